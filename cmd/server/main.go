package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"magnet-queue/internal/archive"
	"magnet-queue/internal/auth"
	"magnet-queue/internal/cleanup"
	"magnet-queue/internal/config"
	"magnet-queue/internal/downloader"
	"magnet-queue/internal/engine"
	apphttp "magnet-queue/internal/http"
	"magnet-queue/internal/repository"
	"magnet-queue/internal/repository/jsonfile"
	"magnet-queue/internal/repository/sqlite"
	"magnet-queue/internal/storage"
)

func main() {
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin and print its bcrypt hash for auth.passwordhash")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *hashPassword {
		if err := printPasswordHash(); err != nil {
			logger.Fatalf("hash password: %v", err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	level, _ := cfg.LogLevel()
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Info("bye")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	repo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup state: %w", err)
	}
	defer repo.Close()

	eng, err := engine.NewTorrentEngine(engine.Config{
		DataDir:         cfg.Download.DataDir,
		Trackers:        cfg.Download.Trackers,
		MetadataTimeout: cfg.Download.MetadataTimeout,
		PollInterval:    cfg.Progress.Interval,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("setup storage: %w", err)
	}

	settings, _ := cfg.Settings()
	managerCfg := downloader.Config{
		DownloadRoot:    cfg.Download.DataDir,
		SampleInterval:  cfg.Progress.Interval,
		PersistDebounce: cfg.Progress.Debounce,
		Settings:        settings,
		Logger:          logger,
	}
	if storageSvc != nil {
		managerCfg.Archiver = archive.New(storageSvc, archive.Config{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
		managerCfg.Cleaner = cleanup.New(cfg.Download.DataDir, storageSvc, logger)
	} else {
		managerCfg.Cleaner = cleanup.New(cfg.Download.DataDir, nil, logger)
	}

	manager := downloader.NewManager(managerCfg, repo, eng)
	if err := manager.Start(ctx); err != nil {
		_ = eng.Close()
		return fmt.Errorf("start manager: %w", err)
	}
	defer manager.Shutdown()

	authenticator, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(manager, authenticator, filepath.Join(cfg.Download.DataDir, ".torrents"), logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func buildRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (repository.QueueRepository, error) {
	switch cfg.State.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		repo := sqlite.NewQueueRepository(db)
		if err := repo.Init(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("init queue repository: %w", err)
		}
		logger.Infof("queue state in sqlite database %s", cfg.Database.Path)
		return repo, nil
	default:
		logger.Infof("queue state in %s", cfg.State.Path)
		return jsonfile.NewRepository(cfg.State.Path, logger), nil
	}
}

func buildAuth(cfg config.Config, logger *logrus.Logger) (apphttp.Authenticator, error) {
	if strings.TrimSpace(cfg.Auth.PasswordHash) == "" {
		logger.Warn("auth.passwordhash is not set, the API is open to anyone who can reach it")
		return nil, nil
	}
	a, err := auth.New(auth.Config{
		Username:     cfg.Auth.Username,
		PasswordHash: cfg.Auth.PasswordHash,
		Secret:       cfg.Auth.JWTSecret,
		TokenTTL:     cfg.TokenTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("setup auth: %w", err)
	}
	return a, nil
}

// buildStorage returns nil when no bucket is configured; archiving is then off.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage bucket not set, completed items are not archived")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/storage"
)

type Config struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// Archiver uploads completed items to object storage.
type Archiver struct {
	store  storage.Service
	bucket string
	prefix string
	logger *logrus.Logger
}

func New(store storage.Service, cfg Config) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Archiver{
		store:  store,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.KeyPrefix, "/"),
		logger: cfg.Logger,
	}
}

// Archive uploads the item's data under <prefix>/<item id> and returns the
// resulting location.
func (a *Archiver) Archive(ctx context.Context, item domain.QueuedItem) (string, error) {
	localPath := item.DataPath()
	if localPath == "" {
		return "", fmt.Errorf("item %s has no data yet", item.ID)
	}

	logger := a.logger.WithField("item_id", item.ID)
	location, err := a.store.Upload(ctx, localPath, storage.UploadOptions{
		Bucket:    a.bucket,
		KeyPrefix: path.Join(a.prefix, item.ID),
		ProgressCallback: func(done, total int64) {
			logger.Debugf("archive upload %s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", item.ID, err)
	}
	return location, nil
}

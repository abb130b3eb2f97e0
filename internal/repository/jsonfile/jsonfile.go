package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const formatVersion = 1

type document struct {
	Version  int                 `json:"version"`
	Settings domain.Settings     `json:"settings"`
	Items    []domain.QueuedItem `json:"items"`
}

// Repository keeps the queue in a single JSON document.
type Repository struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

func NewRepository(path string, logger *logrus.Logger) *Repository {
	if logger == nil {
		logger = logrus.New()
	}
	return &Repository{path: path, logger: logger}
}

// Load reads the state file. A missing file is an empty queue; a corrupt file
// is moved aside and also treated as an empty queue.
func (r *Repository) Load(ctx context.Context) (repository.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var empty repository.State

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, &domain.PersistenceError{Op: "load", Err: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
		if renameErr := os.Rename(r.path, aside); renameErr != nil {
			r.logger.Warnf("move corrupt state file aside: %v", renameErr)
		}
		r.logger.Warnf("state file %s is corrupt, starting with an empty queue: %v", r.path, err)
		return empty, nil
	}

	if doc.Version > formatVersion {
		r.logger.Warnf("state file version %d is newer than supported %d", doc.Version, formatVersion)
	}
	return repository.Normalize(repository.State{Settings: doc.Settings, Items: doc.Items}), nil
}

// Save writes the state atomically through a temp file and rename.
func (r *Repository) Save(ctx context.Context, state repository.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state = repository.AtRest(state)
	data, err := json.MarshalIndent(document{
		Version:  formatVersion,
		Settings: state.Settings,
		Items:    state.Items,
	}, "", "  ")
	if err != nil {
		return &domain.PersistenceError{Op: "save", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("create state dir: %w", err)}
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return &domain.PersistenceError{Op: "save", Err: fmt.Errorf("replace state file: %w", err)}
	}
	return nil
}

func (r *Repository) Close() error {
	return nil
}

var _ repository.QueueRepository = (*Repository)(nil)

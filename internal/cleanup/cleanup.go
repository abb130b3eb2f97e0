package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/storage"
)

const remoteTimeout = time.Minute

// Cleaner deletes what an item left behind: its bytes on disk and, when it
// was archived, its objects in storage.
type Cleaner struct {
	root    string
	objects storage.Service
	logger  *logrus.Logger
}

// New returns a Cleaner that never deletes anything outside root. objects may
// be nil when archiving is disabled.
func New(root string, objects storage.Service, logger *logrus.Logger) *Cleaner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cleaner{root: root, objects: objects, logger: logger}
}

func (c *Cleaner) RemoveItemData(item domain.QueuedItem) error {
	var errs []error
	if err := c.removeLocal(item); err != nil {
		errs = append(errs, err)
	}
	if err := c.removeRemote(item); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cleaner) removeLocal(item domain.QueuedItem) error {
	target := item.DataPath()
	if target == "" {
		return nil
	}
	if err := contained(item.DestinationPath, target); err != nil {
		return err
	}
	if err := contained(c.root, target); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove %s: %w", target, err)
	}
	c.logger.WithField("item_id", item.ID).Infof("removed local data %s", target)
	return nil
}

func (c *Cleaner) removeRemote(item domain.QueuedItem) error {
	if item.ArchiveLocation == "" || c.objects == nil {
		return nil
	}
	bucket, prefix, err := storage.ParseLocation(item.ArchiveLocation)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if err := c.objects.DeletePrefix(ctx, bucket, prefix); err != nil {
		return fmt.Errorf("delete archive %s: %w", item.ArchiveLocation, err)
	}
	c.logger.WithField("item_id", item.ID).Infof("removed archive %s", item.ArchiveLocation)
	return nil
}

// contained refuses targets that resolve to or above the destination, such as
// a torrent named "..".
func contained(root, target string) error {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside %s", target, root)
	}
	return nil
}

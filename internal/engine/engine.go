package engine

import (
	"context"

	"magnet-queue/internal/domain"
)

// Engine starts transfers. Implementations must be safe for concurrent use.
type Engine interface {
	Start(ctx context.Context, opts StartOptions) (Handle, error)
	SetRateLimits(download, upload int64)
	Close() error
}

// StartOptions describes one transfer.
type StartOptions struct {
	Source          domain.SourceRef
	DestinationPath string
	// SelectedFiles restricts the transfer to these file indices; nil means all.
	SelectedFiles []int
	// HoldForSelection keeps a multi-file transfer idle after metadata so the
	// caller can pick files first.
	HoldForSelection bool
}

// Handle is one live transfer. Close is idempotent; after it returns the
// Events channel is closed and no further events are delivered.
type Handle interface {
	Events() <-chan Event
	Stats() Stats
	DownloadFiles(indices []int) error
	Close()
}

type EventKind int

const (
	EventMetadata EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMetadata:
		return "metadata"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is emitted by a Handle.
type Event struct {
	Kind       EventKind
	Name       string
	TotalBytes int64
	Files      []FileInfo
	Err        error
}

// FileInfo describes one file of a torrent once metadata is known.
type FileInfo struct {
	Path string
	Size int64
}

// Stats are counters readable without blocking on the network.
type Stats struct {
	DownloadedBytes int64
	UploadedBytes   int64
	DownloadRate    int64
	UploadRate      int64
	Peers           int
}

package domain

import (
	"path/filepath"
	"slices"
	"time"
)

type ItemStatus string

const (
	StatusQueued            ItemStatus = "queued"
	StatusDownloading       ItemStatus = "downloading"
	StatusAwaitingSelection ItemStatus = "awaiting-selection"
	StatusPaused            ItemStatus = "paused"
	StatusSeeding           ItemStatus = "seeding"
	StatusCompleted         ItemStatus = "completed"
	StatusError             ItemStatus = "error"
)

// Terminal reports whether the status no longer blocks re-adding the same source.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusAwaitingSelection, StatusPaused:
		return false
	}
	return true
}

// Active reports whether an item in this status holds a transfer slot.
func (s ItemStatus) Active() bool {
	return s == StatusDownloading || s == StatusSeeding
}

var transitions = map[ItemStatus][]ItemStatus{
	StatusQueued:            {StatusDownloading},
	StatusDownloading:       {StatusAwaitingSelection, StatusPaused, StatusCompleted, StatusSeeding, StatusError, StatusQueued},
	StatusSeeding:           {StatusPaused, StatusCompleted, StatusError, StatusDownloading, StatusQueued},
	StatusAwaitingSelection: {StatusDownloading, StatusQueued},
	StatusPaused:            {StatusQueued},
	StatusError:             {StatusQueued},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to ItemStatus) bool {
	return slices.Contains(transitions[from], to)
}

// SourceRef identifies what to download. Exactly one field is set.
type SourceRef struct {
	MagnetURI       string `json:"magnetUri,omitempty"`
	TorrentFilePath string `json:"torrentFilePath,omitempty"`
}

func (s SourceRef) IsMagnet() bool {
	return s.MagnetURI != ""
}

func (s SourceRef) String() string {
	if s.IsMagnet() {
		return s.MagnetURI
	}
	return s.TorrentFilePath
}

// ItemFile is one file inside a torrent, in torrent order.
type ItemFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Selected bool   `json:"selected"`
}

// QueuedItem is one user-visible download.
type QueuedItem struct {
	ID                  string     `json:"id"`
	Source              SourceRef  `json:"source"`
	Status              ItemStatus `json:"status"`
	Name                string     `json:"name,omitempty"`
	Progress            float64    `json:"progress"`
	DownloadedBytes     int64      `json:"downloadedBytes"`
	UploadedBytes       int64      `json:"uploadedBytes"`
	DownloadRate        int64      `json:"downloadRate"`
	UploadRate          int64      `json:"uploadRate"`
	Peers               int        `json:"peers"`
	TotalBytes          int64      `json:"totalBytes"`
	Files               []ItemFile `json:"files"`
	SelectedFileIndices []int      `json:"selectedFileIndices,omitempty"`
	Partial             bool       `json:"partial"`
	DestinationPath     string     `json:"destinationPath"`
	AddedAt             time.Time  `json:"addedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ArchiveLocation     string     `json:"archiveLocation,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (it QueuedItem) Clone() QueuedItem {
	out := it
	out.Files = slices.Clone(it.Files)
	out.SelectedFileIndices = slices.Clone(it.SelectedFileIndices)
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// ResetTransient zeroes the counters that are only meaningful while a handle is live.
func (it *QueuedItem) ResetTransient() {
	it.DownloadRate = 0
	it.UploadRate = 0
	it.Peers = 0
}

// DataPath is where the item's bytes live once metadata named it.
func (it QueuedItem) DataPath() string {
	if it.Name == "" {
		return ""
	}
	return filepath.Join(it.DestinationPath, it.Name)
}

// AddRequest is the input of the add operation.
type AddRequest struct {
	Source          SourceRef
	DestinationPath string
	Partial         bool
}

// Settings are the user-tunable knobs of the queue.
type Settings struct {
	MaxConcurrentDownloads int   `json:"maxConcurrentDownloads"`
	SeedAfterDownload      bool  `json:"seedAfterDownload"`
	MaxUploadRate          int64 `json:"maxUploadRate"`
	MaxDownloadRate        int64 `json:"maxDownloadRate"`
}

func DefaultSettings() Settings {
	return Settings{MaxConcurrentDownloads: 3}
}

func (s Settings) Validate() error {
	if s.MaxConcurrentDownloads < 1 {
		return &SettingsError{Field: "maxConcurrentDownloads", Reason: "must be at least 1"}
	}
	if s.MaxUploadRate < 0 {
		return &SettingsError{Field: "maxUploadRate", Reason: "must not be negative"}
	}
	if s.MaxDownloadRate < 0 {
		return &SettingsError{Field: "maxDownloadRate", Reason: "must not be negative"}
	}
	return nil
}

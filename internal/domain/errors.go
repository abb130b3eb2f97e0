package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateItem is returned when a non-terminal item already uses the same source.
	ErrDuplicateItem = errors.New("duplicate item")
	// ErrNotFound is returned for an unknown item id.
	ErrNotFound = errors.New("item not found")
	// ErrInvalidTransition is returned when an operation does not apply to the item's status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidSelection is returned for out-of-range or empty file indices.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrNoFilesSelected is an ErrInvalidSelection for an empty index set.
	ErrNoFilesSelected = fmt.Errorf("%w: no files selected", ErrInvalidSelection)
	// ErrInvalidSource is returned when a request carries neither or both of magnet and file path.
	ErrInvalidSource = errors.New("invalid source")
	// ErrInvalidDestination is returned for a destination outside the download root.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrInvalidSettings is returned by Settings.Validate failures.
	ErrInvalidSettings = errors.New("invalid settings")
)

// TransitionError reports an operation refused because of the item's current status.
type TransitionError struct {
	ID   string     // Item the operation targeted
	Op   string     // Operation name, e.g. "pause"
	From ItemStatus // Status the item was in
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s item %s in status %s", e.Op, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// SelectionError reports an index outside the item's file list.
type SelectionError struct {
	Index int
	Count int
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("file index %d out of range [0,%d)", e.Index, e.Count)
}

func (e *SelectionError) Unwrap() error {
	return ErrInvalidSelection
}

// SettingsError names the settings field that failed validation.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid settings: %s %s", e.Field, e.Reason)
}

func (e *SettingsError) Unwrap() error {
	return ErrInvalidSettings
}

// EngineError is an engine failure recorded on an item.
type EngineError struct {
	Op  string // Engine operation, e.g. "start", "metadata"
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed load or save of the queue state.
type PersistenceError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

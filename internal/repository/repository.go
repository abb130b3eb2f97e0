package repository

import (
	"context"

	"magnet-queue/internal/domain"
)

// State is everything persisted about the queue. A zero Settings means none
// were stored yet.
type State struct {
	Settings domain.Settings     `json:"settings"`
	Items    []domain.QueuedItem `json:"items"`
}

// QueueRepository persists full snapshots of the queue.
type QueueRepository interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Close() error
}

// Normalize prepares loaded state for a fresh process. Items that were active
// lost their engine handles with the old process and go back to queued.
func Normalize(state State) State {
	items := make([]domain.QueuedItem, 0, len(state.Items))
	for _, it := range state.Items {
		if it.ID == "" {
			continue
		}
		it.ResetTransient()
		if it.Status.Active() {
			it.Status = domain.StatusQueued
		}
		if it.Status != domain.StatusError {
			it.LastError = ""
		}
		items = append(items, it)
	}
	state.Items = items
	return state
}

// AtRest zeroes transient counters before a write.
func AtRest(state State) State {
	items := make([]domain.QueuedItem, len(state.Items))
	for i, it := range state.Items {
		it = it.Clone()
		it.ResetTransient()
		items[i] = it
	}
	state.Items = items
	return state
}

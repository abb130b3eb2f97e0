package downloader

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

func TestPersister_Debounce(t *testing.T) {
	repo := &memRepo{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := repository.State{Settings: domain.DefaultSettings()}
	p := newPersister(repo, func() repository.State { return state }, 500*time.Millisecond, quietLogger())
	p.now = func() time.Time { return now }

	p.flushIfDue()
	assert.Zero(t, repo.saveCount())

	p.MarkDirty()
	now = now.Add(200 * time.Millisecond)
	p.MarkDirty()
	now = now.Add(400 * time.Millisecond)
	p.flushIfDue()
	assert.Zero(t, repo.saveCount(), "burst still inside the quiet window")

	now = now.Add(100 * time.Millisecond)
	p.flushIfDue()
	assert.Equal(t, 1, repo.saveCount())
	assert.False(t, p.Pending())

	p.flushIfDue()
	p.Flush()
	assert.Equal(t, 1, repo.saveCount())
}

func TestPersister_FlushIgnoresWindow(t *testing.T) {
	repo := &memRepo{}
	p := newPersister(repo, func() repository.State { return repository.State{} }, time.Hour, quietLogger())

	p.MarkDirty()
	p.Flush()
	assert.Equal(t, 1, repo.saveCount())
}

func TestPersister_FailureStaysDirty(t *testing.T) {
	repo := &memRepo{err: errors.New("read-only file system")}
	p := newPersister(repo, func() repository.State { return repository.State{} }, 0, quietLogger())

	p.MarkDirty()
	p.Flush()
	require.Equal(t, 1, repo.saveCount())
	assert.True(t, p.Pending())

	repo.mu.Lock()
	repo.err = nil
	repo.mu.Unlock()
	p.flushIfDue()
	assert.Equal(t, 2, repo.saveCount())
	assert.False(t, p.Pending())
}

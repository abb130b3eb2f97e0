package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"magnet-queue/internal/repository"
)

const saveTimeout = 10 * time.Second

// persister coalesces bursts of mutations into one write: MarkDirty records
// the time of the last change and flushIfDue writes once the queue has been
// quiet for the debounce window.
type persister struct {
	repo     repository.QueueRepository
	snapshot func() repository.State
	debounce time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu           sync.Mutex
	dirty        bool
	lastMutation time.Time

	saving sync.Mutex
}

func newPersister(repo repository.QueueRepository, snapshot func() repository.State, debounce time.Duration, logger *logrus.Logger) *persister {
	return &persister{
		repo:     repo,
		snapshot: snapshot,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *persister) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.lastMutation = p.now()
	p.mu.Unlock()
}

func (p *persister) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *persister) flushIfDue() {
	p.mu.Lock()
	if !p.dirty || p.now().Sub(p.lastMutation) < p.debounce {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.mu.Unlock()
	p.write()
}

// Flush writes pending changes immediately.
func (p *persister) Flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.mu.Unlock()
	p.write()
}

// write saves a fresh snapshot. A failure is logged and the state is marked
// dirty again so the next tick retries; the in-memory queue stays authoritative.
func (p *persister) write() {
	p.saving.Lock()
	defer p.saving.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	state := p.snapshot()
	if err := p.repo.Save(ctx, state); err != nil {
		p.logger.Errorf("save queue state: %v", err)
		p.MarkDirty()
		return
	}
	p.logger.Debugf("queue state saved: %d items", len(state.Items))
}

package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"magnet-queue/internal/domain"
)

// Store is the in-memory map of queued items, the single source of truth for reads.
// Every method is safe for concurrent use; returned items are deep copies.
type Store struct {
	mu    sync.Mutex
	items map[string]*domain.QueuedItem
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		items: make(map[string]*domain.QueuedItem),
		now:   time.Now,
	}
}

// Enqueue validates the request and creates a queued item for it.
func (s *Store) Enqueue(req domain.AddRequest) (domain.QueuedItem, error) {
	source := req.Source.Normalized()
	if err := source.Validate(); err != nil {
		return domain.QueuedItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if it.Source == source && !it.Status.Terminal() {
			return domain.QueuedItem{}, fmt.Errorf("%w: %s already queued as %s", domain.ErrDuplicateItem, source, it.ID)
		}
	}

	item := &domain.QueuedItem{
		ID:              uuid.NewString(),
		Source:          source,
		Status:          domain.StatusQueued,
		Partial:         req.Partial,
		DestinationPath: req.DestinationPath,
		AddedAt:         s.nextAddedAt(),
	}
	s.items[item.ID] = item
	return item.Clone(), nil
}

// nextAddedAt keeps addedAt strictly increasing so FIFO order is total.
func (s *Store) nextAddedAt() time.Time {
	now := s.now().UTC()
	for _, it := range s.items {
		if !now.After(it.AddedAt) {
			now = it.AddedAt.Add(time.Nanosecond)
		}
	}
	return now
}

func (s *Store) Get(id string) (domain.QueuedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return domain.QueuedItem{}, false
	}
	return it.Clone(), true
}

// List returns every item ordered by addedAt.
func (s *Store) List() []domain.QueuedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.QueuedItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sortByAdded(out)
	return out
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

// Mutate applies fn to the item atomically. fn must not change the status;
// use Transition for that.
func (s *Store) Mutate(id string, fn func(*domain.QueuedItem)) (domain.QueuedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	status := it.Status
	fn(it)
	it.Status = status
	return it.Clone(), nil
}

// Transition moves the item to a new status if the state table allows it,
// applying fn in the same critical section. fn may be nil.
func (s *Store) Transition(id string, to domain.ItemStatus, fn func(*domain.QueuedItem)) (domain.QueuedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if !domain.CanTransition(it.Status, to) {
		return it.Clone(), fmt.Errorf("%w: %s -> %s for item %s", domain.ErrInvalidTransition, it.Status, to, id)
	}
	if fn != nil {
		fn(it)
	}
	it.Status = to
	if to != domain.StatusError {
		it.LastError = ""
	}
	return it.Clone(), nil
}

// Replace swaps the whole content, used when loading persisted state.
func (s *Store) Replace(items []domain.QueuedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*domain.QueuedItem, len(items))
	for i := range items {
		it := items[i].Clone()
		s.items[it.ID] = &it
	}
}

// OldestQueued returns the queued item with the earliest addedAt.
func (s *Store) OldestQueued() (domain.QueuedItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *domain.QueuedItem
	for _, it := range s.items {
		if it.Status != domain.StatusQueued {
			continue
		}
		if oldest == nil || it.AddedAt.Before(oldest.AddedAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return domain.QueuedItem{}, false
	}
	return oldest.Clone(), true
}

func (s *Store) CountByStatus(statuses ...domain.ItemStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.items {
		for _, st := range statuses {
			if it.Status == st {
				n++
				break
			}
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func sortByAdded(items []domain.QueuedItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
}

package downloader

import (
	"fmt"
	"slices"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
)

// selectionGate holds the ids of items waiting for the user to pick files.
// It is guarded by the manager lock.
type selectionGate struct {
	waiting map[string]struct{}
}

func newSelectionGate() *selectionGate {
	return &selectionGate{waiting: make(map[string]struct{})}
}

func (g *selectionGate) rebuild(items []domain.QueuedItem) {
	g.waiting = make(map[string]struct{})
	for _, it := range items {
		if it.Status == domain.StatusAwaitingSelection {
			g.waiting[it.ID] = struct{}{}
		}
	}
}

func (g *selectionGate) add(id string)    { g.waiting[id] = struct{}{} }
func (g *selectionGate) remove(id string) { delete(g.waiting, id) }

func (g *selectionGate) has(id string) bool {
	_, ok := g.waiting[id]
	return ok
}

func (g *selectionGate) ids() []string {
	out := make([]string, 0, len(g.waiting))
	for id := range g.waiting {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// AwaitingSelection lists the ids of items held for file selection.
func (m *Manager) AwaitingSelection() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate.ids()
}

// SelectFiles records the files to fetch for an item held for selection and
// restarts its transfer. Without a free slot the item goes back to queued and
// keeps its selection.
func (m *Manager) SelectFiles(id string, indices []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if item.Status != domain.StatusAwaitingSelection || !m.gate.has(id) {
		return &domain.TransitionError{ID: id, Op: "select files for", From: item.Status}
	}
	selected, err := normalizeIndices(indices, len(item.Files))
	if err != nil {
		return err
	}
	if m.stopping {
		return ErrShutdown
	}

	apply := func(it *domain.QueuedItem) {
		it.SelectedFileIndices = selected
		markSelected(it)
		it.ResetTransient()
	}

	logger := m.logger.WithField("item_id", id)
	if len(m.slots) < m.settings.MaxConcurrentDownloads {
		updated, err := m.store.Transition(id, domain.StatusDownloading, apply)
		if err != nil {
			return err
		}
		m.launchLocked(updated)
		logger.Infof("%d files selected, downloading", len(selected))
	} else {
		if _, err := m.store.Transition(id, domain.StatusQueued, apply); err != nil {
			return err
		}
		logger.Infof("%d files selected, queued until a slot frees", len(selected))
	}
	m.gate.remove(id)
	m.persist.MarkDirty()
	m.processQueueLocked()
	return nil
}

// DownloadMoreFiles adds files to a live transfer without interrupting the
// files already being fetched. A seeding item goes back to downloading.
func (m *Manager) DownloadMoreFiles(id string, indices []int) error {
	m.mu.Lock()

	item, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	s, live := m.slots[id]
	if !item.Status.Active() || !live {
		m.mu.Unlock()
		return &domain.TransitionError{ID: id, Op: "download more files for", From: item.Status}
	}
	extra, err := normalizeIndices(indices, len(item.Files))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if item.SelectedFileIndices == nil {
		// everything is already wanted
		m.mu.Unlock()
		return nil
	}
	added := missing(item.SelectedFileIndices, extra)
	if len(added) == 0 {
		m.mu.Unlock()
		return nil
	}

	merged := append(slices.Clone(item.SelectedFileIndices), added...)
	slices.Sort(merged)
	apply := func(it *domain.QueuedItem) {
		it.SelectedFileIndices = merged
		markSelected(it)
	}
	if item.Status == domain.StatusSeeding {
		_, err = m.store.Transition(id, domain.StatusDownloading, func(it *domain.QueuedItem) {
			apply(it)
			it.CompletedAt = nil
		})
	} else {
		_, err = m.store.Mutate(id, apply)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var h engine.Handle = s.handle
	m.persist.MarkDirty()
	m.mu.Unlock()

	m.logger.WithField("item_id", id).Infof("%d more files requested", len(added))
	if h == nil {
		// still starting; onStarted requests the difference
		return nil
	}
	if err := h.DownloadFiles(added); err != nil {
		m.logger.WithField("item_id", id).Warnf("request more files: %v", err)
	}
	return nil
}

// normalizeIndices validates indices against a file count and returns them
// sorted without duplicates.
func normalizeIndices(indices []int, count int) ([]int, error) {
	if len(indices) == 0 {
		return nil, domain.ErrNoFilesSelected
	}
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= count {
			return nil, &domain.SelectionError{Index: i, Count: count}
		}
		out = append(out, i)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// missing returns the entries of want that are not in have.
func missing(have, want []int) []int {
	var out []int
	for _, i := range want {
		if !slices.Contains(have, i) {
			out = append(out, i)
		}
	}
	return out
}

// inRange drops indices past the file count. A selection left empty becomes
// nil, meaning no selection.
func inRange(indices []int, count int) []int {
	if indices == nil {
		return nil
	}
	out := make([]int, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < count {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func markSelected(it *domain.QueuedItem) {
	for i := range it.Files {
		it.Files[i].Selected = it.SelectedFileIndices == nil || slices.Contains(it.SelectedFileIndices, i)
	}
}

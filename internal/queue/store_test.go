package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnet-queue/internal/domain"
)

const magnetA = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=a"
const magnetB = "magnet:?xt=urn:btih:89abcdef0123456789abcdef0123456789abcdef&dn=b"

func magnetReq(uri string) domain.AddRequest {
	return domain.AddRequest{Source: domain.SourceRef{MagnetURI: uri}, DestinationPath: "/downloads"}
}

func TestEnqueue(t *testing.T) {
	s := NewStore()

	it, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, domain.StatusQueued, it.Status)
	assert.Empty(t, it.Files)
	assert.False(t, it.AddedAt.IsZero())

	got, ok := s.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, it, got)
}

func TestEnqueue_InvalidSource(t *testing.T) {
	tests := []struct {
		name   string
		source domain.SourceRef
	}{
		{"empty", domain.SourceRef{}},
		{"both", domain.SourceRef{MagnetURI: magnetA, TorrentFilePath: "/tmp/a.torrent"}},
		{"bad magnet", domain.SourceRef{MagnetURI: "http://example.com"}},
		{"not a torrent file", domain.SourceRef{TorrentFilePath: "/tmp/a.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore().Enqueue(domain.AddRequest{Source: tt.source})
			assert.ErrorIs(t, err, domain.ErrInvalidSource)
		})
	}
}

func TestEnqueue_Duplicate(t *testing.T) {
	s := NewStore()

	first, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)

	_, err = s.Enqueue(magnetReq(" " + magnetA + " "))
	assert.ErrorIs(t, err, domain.ErrDuplicateItem)

	_, err = s.Enqueue(magnetReq(magnetB))
	assert.NoError(t, err)

	for _, st := range []domain.ItemStatus{domain.StatusDownloading, domain.StatusError} {
		_, err = s.Transition(first.ID, st, nil)
		require.NoError(t, err)
	}

	again, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestEnqueue_DuplicateAfterRemove(t *testing.T) {
	s := NewStore()
	first, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)
	require.NoError(t, s.Remove(first.ID))

	_, err = s.Enqueue(magnetReq(magnetA))
	assert.NoError(t, err)
}

func TestTransition(t *testing.T) {
	s := NewStore()
	it, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)

	_, err = s.Transition(it.ID, domain.StatusPaused, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.Transition(it.ID, domain.StatusDownloading, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDownloading, got.Status)

	got, err = s.Transition(it.ID, domain.StatusError, func(item *domain.QueuedItem) {
		item.LastError = "boom"
	})
	require.NoError(t, err)
	assert.Equal(t, "boom", got.LastError)

	got, err = s.Transition(it.ID, domain.StatusQueued, nil)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)

	_, err = s.Transition("missing", domain.StatusQueued, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMutate_KeepsStatus(t *testing.T) {
	s := NewStore()
	it, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)

	got, err := s.Mutate(it.ID, func(item *domain.QueuedItem) {
		item.Status = domain.StatusCompleted
		item.TotalBytes = 42
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, int64(42), got.TotalBytes)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewStore()
	it, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)
	_, err = s.Mutate(it.ID, func(item *domain.QueuedItem) {
		item.Files = []domain.ItemFile{{Path: "a", Size: 1}}
	})
	require.NoError(t, err)

	got, _ := s.Get(it.ID)
	got.Files[0].Path = "changed"

	again, _ := s.Get(it.ID)
	assert.Equal(t, "a", again.Files[0].Path)
}

func TestOldestQueued_FIFO(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	a, err := s.Enqueue(magnetReq(magnetA))
	require.NoError(t, err)
	b, err := s.Enqueue(magnetReq(magnetB))
	require.NoError(t, err)
	assert.True(t, b.AddedAt.After(a.AddedAt))

	oldest, ok := s.OldestQueued()
	require.True(t, ok)
	assert.Equal(t, a.ID, oldest.ID)

	_, err = s.Transition(a.ID, domain.StatusDownloading, nil)
	require.NoError(t, err)
	oldest, ok = s.OldestQueued()
	require.True(t, ok)
	assert.Equal(t, b.ID, oldest.ID)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, 1, s.CountByStatus(domain.StatusDownloading))
}

package downloader

import (
	"sync"
	"time"

	"magnet-queue/internal/domain"
)

const minFlushTick = 10 * time.Millisecond

// Snapshot is the state of every item at one sampling tick.
type Snapshot struct {
	At    time.Time           `json:"at"`
	Items []domain.QueuedItem `json:"items"`
}

// Broadcaster samples live transfers on a fixed tick and fans snapshots out to
// observers. It also drives debounced persistence.
type Broadcaster struct {
	interval  time.Duration
	flushTick time.Duration
	sample    func() Snapshot
	persist   *persister

	mu      sync.Mutex
	subs    map[int]chan Snapshot
	nextID  int
	started bool
	stopped bool

	stop chan struct{}
	done chan struct{}
}

func newBroadcaster(interval, debounce time.Duration, sample func() Snapshot, persist *persister) *Broadcaster {
	flushTick := debounce / 4
	if flushTick < minFlushTick {
		flushTick = minFlushTick
	}
	return &Broadcaster{
		interval:  interval,
		flushTick: flushTick,
		sample:    sample,
		persist:   persist,
		subs:      make(map[int]chan Snapshot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	go b.loop()
}

// Stop halts both tickers, waits for the loop to exit, flushes pending state
// and closes every subscriber channel. No tick fires after Stop returns.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	close(b.stop)
	b.mu.Unlock()

	if started {
		<-b.done
	}
	b.persist.Flush()

	b.mu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Subscribe returns a channel of snapshots and a function that unsubscribes.
// A slow reader misses intermediate snapshots and always sees the latest.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				close(c)
				delete(b.subs, id)
			}
		})
	}
}

func (b *Broadcaster) loop() {
	defer close(b.done)

	sampleTicker := time.NewTicker(b.interval)
	defer sampleTicker.Stop()
	flushTicker := time.NewTicker(b.flushTick)
	defer flushTicker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-sampleTicker.C:
			b.publish(b.sample())
		case <-flushTicker.C:
			b.persist.flushIfDue()
		}
	}
}

func (b *Broadcaster) publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// drop the stale snapshot so the newest one fits
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"magnet-queue/internal/domain"
)

// minBurst keeps the limiter burst above the largest read the client requests at once.
const minBurst = 256 << 10

var (
	ErrMetadataTimeout = errors.New("timed out waiting for torrent metadata")
	ErrTorrentClosed   = errors.New("torrent closed unexpectedly")
	// ErrTorrentInUse is returned when another live handle already runs the
	// same infohash, for example a magnet and a .torrent of the same content.
	ErrTorrentInUse = errors.New("torrent is already active for another item")
)

type Config struct {
	DataDir         string
	Trackers        []string
	MetadataTimeout time.Duration
	PollInterval    time.Duration
	Logger          *logrus.Logger
}

// TorrentEngine runs transfers on an anacrolix torrent client. Each infohash
// belongs to at most one live handle, since the client shares one torrent
// (and its storage) per infohash.
type TorrentEngine struct {
	cfg      Config
	client   *torrent.Client
	download *rate.Limiter
	upload   *rate.Limiter

	mu     sync.Mutex
	active map[metainfo.Hash]struct{}
}

func NewTorrentEngine(cfg Config) (*TorrentEngine, error) {
	return newTorrentEngine(cfg, torrent.NewDefaultClientConfig())
}

func newTorrentEngine(cfg Config, clientConfig *torrent.ClientConfig) (*TorrentEngine, error) {
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	e := &TorrentEngine{
		cfg:      cfg,
		download: rate.NewLimiter(rate.Inf, minBurst),
		upload:   rate.NewLimiter(rate.Inf, minBurst),
		active:   make(map[metainfo.Hash]struct{}),
	}

	clientConfig.DataDir = cfg.DataDir
	clientConfig.NoUpload = false
	clientConfig.Seed = true
	clientConfig.DownloadRateLimiter = e.download
	clientConfig.UploadRateLimiter = e.upload

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	e.client = client
	cfg.Logger.Infof("torrent engine started, data dir: %s", cfg.DataDir)
	return e, nil
}

// SetRateLimits applies byte-per-second caps; zero or less means unlimited.
func (e *TorrentEngine) SetRateLimits(download, upload int64) {
	setLimit(e.download, download)
	setLimit(e.upload, upload)
}

func setLimit(l *rate.Limiter, bps int64) {
	if bps <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	burst := int(bps)
	if burst < minBurst {
		burst = minBurst
	}
	l.SetBurst(burst)
	l.SetLimit(rate.Limit(bps))
}

// source is a parsed StartOptions source, ready to hand to the client.
type source struct {
	hash        metainfo.Hash
	infoBytes   []byte
	trackers    [][]string
	displayName string
}

func parseSource(ref domain.SourceRef) (source, error) {
	if ref.IsMagnet() {
		m, err := metainfo.ParseMagnetUri(ref.MagnetURI)
		if err != nil {
			return source{}, fmt.Errorf("parse magnet: %w", err)
		}
		src := source{hash: m.InfoHash, displayName: m.DisplayName}
		if len(m.Trackers) > 0 {
			src.trackers = [][]string{m.Trackers}
		}
		return src, nil
	}

	mi, err := metainfo.LoadFromFile(ref.TorrentFilePath)
	if err != nil {
		return source{}, fmt.Errorf("load torrent file: %w", err)
	}
	return source{
		hash:      mi.HashInfoBytes(),
		infoBytes: mi.InfoBytes,
		trackers:  mi.UpvertedAnnounceList(),
	}, nil
}

func (e *TorrentEngine) reserve(hash metainfo.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = make(map[metainfo.Hash]struct{})
	}
	if _, ok := e.active[hash]; ok {
		return fmt.Errorf("%w: %s", ErrTorrentInUse, hash.HexString())
	}
	e.active[hash] = struct{}{}
	return nil
}

func (e *TorrentEngine) release(hash metainfo.Hash) {
	e.mu.Lock()
	delete(e.active, hash)
	e.mu.Unlock()
}

func (e *TorrentEngine) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := parseSource(opts.Source)
	if err != nil {
		return nil, err
	}
	if err := e.reserve(src.hash); err != nil {
		return nil, err
	}

	h, err := e.start(ctx, opts, src)
	if err != nil {
		e.release(src.hash)
		return nil, err
	}
	return h, nil
}

func (e *TorrentEngine) start(ctx context.Context, opts StartOptions, src source) (Handle, error) {
	dest := opts.DestinationPath
	if dest == "" {
		dest = e.cfg.DataDir
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	t, isNew := e.client.AddTorrentOpt(torrent.AddTorrentOpts{
		InfoHash:  src.hash,
		InfoBytes: src.infoBytes,
		Storage:   storage.NewFile(dest),
	})
	if !isNew {
		// held by the client outside this engine's bookkeeping; leave it alone
		return nil, fmt.Errorf("%w: %s", ErrTorrentInUse, src.hash.HexString())
	}
	if len(src.trackers) > 0 {
		t.AddTrackers(src.trackers)
	}
	if src.displayName != "" {
		t.SetDisplayName(src.displayName)
	}
	for _, tracker := range e.cfg.Trackers {
		t.AddTrackers([][]string{{tracker}})
	}

	// the caller may have given up while the client was busy adding
	if err := ctx.Err(); err != nil {
		t.Drop()
		return nil, err
	}

	h := newTorrentHandle(t, opts, e.cfg, func() { e.release(src.hash) })
	go h.run()
	return h, nil
}

func (e *TorrentEngine) Close() error {
	e.client.Close()
	e.cfg.Logger.Info("torrent engine stopped")
	return nil
}

type torrentHandle struct {
	t      *torrent.Torrent
	opts   StartOptions
	cfg    Config
	logger *logrus.Entry

	events chan Event
	cmds   chan []int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	stats Stats

	release func()
}

func newTorrentHandle(t *torrent.Torrent, opts StartOptions, cfg Config, release func()) *torrentHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &torrentHandle{
		t:       t,
		opts:    opts,
		cfg:     cfg,
		release: release,
		logger:  cfg.Logger.WithField("infohash", t.InfoHash().HexString()),
		events:  make(chan Event, 4),
		cmds:    make(chan []int, 8),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (h *torrentHandle) Events() <-chan Event {
	return h.events
}

func (h *torrentHandle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// DownloadFiles adds files to the wanted set without disturbing the others.
func (h *torrentHandle) DownloadFiles(indices []int) error {
	for _, i := range indices {
		if i < 0 {
			return fmt.Errorf("negative file index %d", i)
		}
	}
	select {
	case h.cmds <- append([]int(nil), indices...):
		return nil
	case <-h.ctx.Done():
		return ErrTorrentClosed
	}
}

func (h *torrentHandle) Close() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.t.Drop()
		h.release()
	})
}

func (h *torrentHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *torrentHandle) run() {
	defer close(h.done)
	defer close(h.events)

	timer := time.NewTimer(h.cfg.MetadataTimeout)
	defer timer.Stop()

	select {
	case <-h.ctx.Done():
		return
	case <-h.t.Closed():
		h.emit(Event{Kind: EventError, Err: ErrTorrentClosed})
		return
	case <-timer.C:
		h.emit(Event{Kind: EventError, Err: ErrMetadataTimeout})
		return
	case <-h.t.GotInfo():
	}

	info := h.t.Info()
	if info == nil {
		h.emit(Event{Kind: EventError, Err: errors.New("missing torrent info")})
		return
	}
	files := h.t.Files()
	meta := Event{
		Kind:       EventMetadata,
		Name:       info.BestName(),
		TotalBytes: info.TotalLength(),
		Files:      make([]FileInfo, len(files)),
	}
	for i, f := range files {
		meta.Files[i] = FileInfo{Path: f.DisplayPath(), Size: f.Length()}
	}
	h.emit(meta)

	var wanted map[int]bool
	started := false
	if !h.opts.HoldForSelection || len(files) <= 1 || h.opts.SelectedFiles != nil {
		wanted = h.apply(files, h.opts.SelectedFiles)
		started = true
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastRead, lastWritten int64
		lastSample            = time.Now()
		doneSent              bool
	)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.t.Closed():
			h.emit(Event{Kind: EventError, Err: ErrTorrentClosed})
			return
		case indices := <-h.cmds:
			if !started {
				wanted = h.apply(files, indices)
				started = true
			} else if wanted != nil {
				for _, i := range indices {
					if i < len(files) && !wanted[i] {
						files[i].Download()
						wanted[i] = true
					}
				}
			}
			doneSent = false
		case now := <-ticker.C:
			stats := h.t.Stats()
			read := stats.BytesReadUsefulData.Int64()
			written := stats.BytesWrittenData.Int64()
			elapsed := now.Sub(lastSample).Seconds()
			var down, up int64
			if elapsed > 0 {
				if d := read - lastRead; d > 0 {
					down = int64(float64(d) / elapsed)
				}
				if d := written - lastWritten; d > 0 {
					up = int64(float64(d) / elapsed)
				}
			}
			lastRead, lastWritten, lastSample = read, written, now

			h.mu.Lock()
			h.stats = Stats{
				DownloadedBytes: h.t.BytesCompleted(),
				UploadedBytes:   written,
				DownloadRate:    down,
				UploadRate:      up,
				Peers:           stats.ActivePeers,
			}
			h.mu.Unlock()

			if started && !doneSent && complete(h.t, files, wanted) {
				doneSent = true
				h.logger.Info("transfer complete")
				h.emit(Event{Kind: EventDone})
			}
		}
	}
}

// apply sets file priorities and returns the wanted set; nil means every file.
func (h *torrentHandle) apply(files []*torrent.File, selected []int) map[int]bool {
	if selected == nil {
		h.t.DownloadAll()
		return nil
	}
	wanted := make(map[int]bool, len(selected))
	for _, i := range selected {
		wanted[i] = true
	}
	for i, f := range files {
		if wanted[i] {
			f.Download()
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
	return wanted
}

func complete(t *torrent.Torrent, files []*torrent.File, wanted map[int]bool) bool {
	if wanted == nil {
		return t.BytesMissing() == 0
	}
	for i := range wanted {
		if i >= len(files) {
			continue
		}
		if files[i].BytesCompleted() < files[i].Length() {
			return false
		}
	}
	return true
}

var _ Engine = (*TorrentEngine)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

const createQueueTables = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	magnet_uri TEXT NOT NULL DEFAULT '',
	torrent_file_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	uploaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	selected_file_indices TEXT NULL,
	partial INTEGER NOT NULL DEFAULT 0,
	destination_path TEXT NOT NULL DEFAULT '',
	added_at DATETIME NOT NULL,
	completed_at DATETIME NULL,
	last_error TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS queue_item_files (
	item_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	selected INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (item_id, position),
	FOREIGN KEY(item_id) REFERENCES queue_items(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS queue_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_concurrent_downloads INTEGER NOT NULL,
	seed_after_download INTEGER NOT NULL,
	max_upload_rate INTEGER NOT NULL,
	max_download_rate INTEGER NOT NULL
);
`

// QueueRepository stores queue snapshots in sqlite.
type QueueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createQueueTables); err != nil {
		return fmt.Errorf("create queue tables: %w", err)
	}
	return nil
}

func (r *QueueRepository) Load(ctx context.Context) (repository.State, error) {
	var state repository.State

	settings, err := r.loadSettings(ctx)
	if err != nil {
		return state, &domain.PersistenceError{Op: "load", Err: err}
	}
	if settings != nil {
		state.Settings = *settings
	}

	items, err := r.loadItems(ctx)
	if err != nil {
		return state, &domain.PersistenceError{Op: "load", Err: err}
	}
	state.Items = items
	return repository.Normalize(state), nil
}

func (r *QueueRepository) loadSettings(ctx context.Context) (*domain.Settings, error) {
	var (
		s    domain.Settings
		seed int
	)
	err := r.db.QueryRowContext(ctx, `
SELECT max_concurrent_downloads, seed_after_download, max_upload_rate, max_download_rate
FROM queue_settings
WHERE id=1`).Scan(&s.MaxConcurrentDownloads, &seed, &s.MaxUploadRate, &s.MaxDownloadRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings: %w", err)
	}
	s.SeedAfterDownload = seed != 0
	return &s, nil
}

func (r *QueueRepository) loadItems(ctx context.Context) ([]domain.QueuedItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, magnet_uri, torrent_file_path, status, name, progress, downloaded_bytes, uploaded_bytes, total_bytes, selected_file_indices, partial, destination_path, added_at, completed_at, last_error, archive_location
FROM queue_items
ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var (
		items []domain.QueuedItem
		index = map[string]int{}
	)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		index[item.ID] = len(items)
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	fileRows, err := r.db.QueryContext(ctx, `
SELECT item_id, path, size, selected
FROM queue_item_files
ORDER BY item_id, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query item files: %w", err)
	}
	defer fileRows.Close()

	for fileRows.Next() {
		var (
			itemID   string
			file     domain.ItemFile
			selected int
		)
		if err := fileRows.Scan(&itemID, &file.Path, &file.Size, &selected); err != nil {
			return nil, fmt.Errorf("scan item file: %w", err)
		}
		file.Selected = selected != 0
		if i, ok := index[itemID]; ok {
			items[i].Files = append(items[i].Files, file)
		}
	}
	return items, fileRows.Err()
}

// Save replaces every stored row with the given state in one transaction.
func (r *QueueRepository) Save(ctx context.Context, state repository.State) error {
	state = repository.AtRest(state)
	if err := r.save(ctx, state); err != nil {
		return &domain.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (r *QueueRepository) save(ctx context.Context, state repository.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_settings (id, max_concurrent_downloads, seed_after_download, max_upload_rate, max_download_rate)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	max_concurrent_downloads=excluded.max_concurrent_downloads,
	seed_after_download=excluded.seed_after_download,
	max_upload_rate=excluded.max_upload_rate,
	max_download_rate=excluded.max_download_rate`,
		state.Settings.MaxConcurrentDownloads,
		boolInt(state.Settings.SeedAfterDownload),
		state.Settings.MaxUploadRate,
		state.Settings.MaxDownloadRate,
	); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_item_files`); err != nil {
		return fmt.Errorf("delete item files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}

	for _, item := range state.Items {
		selected, err := encodeIndices(item.SelectedFileIndices)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_items (id, magnet_uri, torrent_file_path, status, name, progress, downloaded_bytes, uploaded_bytes, total_bytes, selected_file_indices, partial, destination_path, added_at, completed_at, last_error, archive_location)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.Source.MagnetURI,
			item.Source.TorrentFilePath,
			string(item.Status),
			item.Name,
			item.Progress,
			item.DownloadedBytes,
			item.UploadedBytes,
			item.TotalBytes,
			selected,
			boolInt(item.Partial),
			item.DestinationPath,
			item.AddedAt.UTC(),
			nullTime(item.CompletedAt),
			item.LastError,
			item.ArchiveLocation,
		); err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}

		for pos, file := range item.Files {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_item_files (item_id, position, path, size, selected)
VALUES (?, ?, ?, ?, ?)`,
				item.ID,
				pos,
				file.Path,
				file.Size,
				boolInt(file.Selected),
			); err != nil {
				return fmt.Errorf("insert file for %s: %w", item.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *QueueRepository) Close() error {
	return r.db.Close()
}

func scanItem(scanner interface {
	Scan(dest ...any) error
}) (*domain.QueuedItem, error) {
	var (
		item        domain.QueuedItem
		status      string
		selected    sql.NullString
		partial     int
		addedAt     time.Time
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Source.MagnetURI,
		&item.Source.TorrentFilePath,
		&status,
		&item.Name,
		&item.Progress,
		&item.DownloadedBytes,
		&item.UploadedBytes,
		&item.TotalBytes,
		&selected,
		&partial,
		&item.DestinationPath,
		&addedAt,
		&completedAt,
		&item.LastError,
		&item.ArchiveLocation,
	); err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}

	item.Status = domain.ItemStatus(status)
	item.Partial = partial != 0
	item.AddedAt = addedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		item.CompletedAt = &t
	}
	if selected.Valid && selected.String != "" {
		if err := json.Unmarshal([]byte(selected.String), &item.SelectedFileIndices); err != nil {
			return nil, fmt.Errorf("decode selection of %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

func encodeIndices(indices []int) (any, error) {
	if indices == nil {
		return nil, nil
	}
	data, err := json.Marshal(indices)
	if err != nil {
		return nil, fmt.Errorf("encode selection: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ repository.QueueRepository = (*QueueRepository)(nil)

// Package docstore is the SQLite document store for the large archive
// records: item chunks and snapshot series. Both are indexed by user and
// timestamp for range queries.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relaytrail/internal/archive"
	"github.com/agentworkforce/relaytrail/internal/snapshot"
)

// Store persists chunks and snapshot series in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var errNotConfigured = errors.New("storage is not configured")

// Open opens the database at path, or an in-memory database for
// ":memory:", and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) LoadChunk(ctx context.Context, userID string, index int) ([]archive.Item, bool, error) {
	if s == nil || s.sqlDB == nil {
		return nil, false, errNotConfigured
	}
	var payload []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM chunks WHERE user_id = ? AND chunk_index = ?`,
		userID, index,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query chunk: %w", err)
	}
	var items []archive.Item
	if err := decMode.Unmarshal(payload, &items); err != nil {
		return nil, false, fmt.Errorf("decode chunk: %w", err)
	}
	return items, true, nil
}

func (s *Store) SaveChunk(ctx context.Context, userID string, index int, items []archive.Item) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(userID) == "" || index < 0 {
		return fmt.Errorf("user id and non-negative chunk index are required")
	}
	if items == nil {
		items = []archive.Item{}
	}
	payload, err := encMode.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	var fromTs, toTs int64
	if len(items) > 0 {
		fromTs, toTs = items[0].Timestamp, items[len(items)-1].Timestamp
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO chunks (user_id, chunk_index, item_count, from_ts, to_ts, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, chunk_index) DO UPDATE SET
		   item_count = excluded.item_count,
		   from_ts = excluded.from_ts,
		   to_ts = excluded.to_ts,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		userID, index, len(items), fromTs, toTs, payload, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, userID string) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM chunks WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// ChunkIndexesSince returns the indexes of chunks holding items at or
// after since (Unix ms), in ascending order.
func (s *Store) ChunkIndexesSince(ctx context.Context, userID string, since int64) ([]int, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT chunk_index FROM chunks WHERE user_id = ? AND to_ts >= ? ORDER BY chunk_index`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunk indexes: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		out = append(out, index)
	}
	return out, rows.Err()
}

func (s *Store) LoadSeries(ctx context.Context, userID, subjectID string) ([]snapshot.Snapshot, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, ts, patch, checksum_before, checksum_after, has_checkpoint, checkpoint, checkpoint_codec, checkpoint_size
		 FROM snapshots WHERE user_id = ? AND subject_id = ? ORDER BY seq`,
		userID, subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var series []snapshot.Snapshot
	for rows.Next() {
		var (
			snap          snapshot.Snapshot
			hasCheckpoint bool
			checkpoint    []byte
			codec         int
			size          int
		)
		if err := rows.Scan(&snap.Seq, &snap.Timestamp, &snap.Patch, &snap.ChecksumBefore, &snap.ChecksumAfter, &hasCheckpoint, &checkpoint, &codec, &size); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if hasCheckpoint {
			content, err := decompressCheckpoint(checkpoint, codec, size)
			if err != nil {
				return nil, fmt.Errorf("snapshot %d: %w", snap.Seq, err)
			}
			full := string(content)
			snap.FullContent = &full
		}
		series = append(series, snap)
	}
	return series, rows.Err()
}

func (s *Store) AppendSnapshot(ctx context.Context, userID, subjectID string, snap snapshot.Snapshot) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	var (
		hasCheckpoint bool
		checkpoint    []byte
		codec         int
		size          int
	)
	if snap.FullContent != nil {
		raw := []byte(*snap.FullContent)
		stored, c, err := compressCheckpoint(raw)
		if err != nil {
			return err
		}
		hasCheckpoint = true
		checkpoint, codec, size = stored, c, len(raw)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, subject_id, seq, ts, patch, checksum_before, checksum_after, has_checkpoint, checkpoint, checkpoint_codec, checkpoint_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, subjectID, snap.Seq, snap.Timestamp, snap.Patch, snap.ChecksumBefore, snap.ChecksumAfter, hasCheckpoint, checkpoint, codec, size,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) ClearSeries(ctx context.Context, userID, subjectID string) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM snapshots WHERE user_id = ? AND subject_id = ?`, userID, subjectID,
	); err != nil {
		return fmt.Errorf("clear series: %w", err)
	}
	return nil
}

func (s *Store) Summaries(ctx context.Context, userID string, since int64) ([]snapshot.SeriesSummary, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT subject_id, COUNT(*), MIN(ts), MAX(ts)
		 FROM snapshots WHERE user_id = ?
		 GROUP BY subject_id
		 HAVING MAX(ts) >= ?
		 ORDER BY subject_id`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	var out []snapshot.SeriesSummary
	for rows.Next() {
		var summary snapshot.SeriesSummary
		if err := rows.Scan(&summary.SubjectID, &summary.Count, &summary.FirstAt, &summary.LastAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"tasksync/domain"
)

// ErrNotFound is returned when no entity exists under (kind, id).
var ErrNotFound = errors.New("localstore: not found")

// AfterWrite is invoked after every successful durable write. It feeds the
// cross-tab broadcaster; failures there must never affect the write itself.
type AfterWrite func(kind domain.Kind, id string, change domain.ChangeType)

// Store is the durable local copy of entities and per-list order arrays.
// One SQLite file per device; WAL journal mode lets several tab processes
// share it (one writer, many readers).
type Store struct {
	db         *sql.DB
	path       string
	logger     *log.Logger
	afterWrite AfterWrite
}

// Open creates or opens the store under dir.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("localstore: dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "tasksync.sqlite")
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			sync_status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (kind, id)
		);`,
		`CREATE TABLE IF NOT EXISTS list_orders (
			list_id TEXT PRIMARY KEY,
			ids BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.WithField("path", path).Debug("local store opened")
	return &Store{db: db, path: path, logger: logger}, nil
}

// SetAfterWrite installs the write hook. Call before concurrent use.
func (s *Store) SetAfterWrite(fn AfterWrite) { s.afterWrite = fn }

// Path returns the SQLite file path, used to scope the broadcast channel.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) signal(kind domain.Kind, id string, change domain.ChangeType) {
	if s.afterWrite != nil {
		s.afterWrite(kind, id, change)
	}
}

// Get returns the entity under (kind, id) or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entity{}, ErrNotFound
		}
		return domain.Entity{}, err
	}
	var e domain.Entity
	if err := sonic.Unmarshal(payload, &e); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

// Put upserts the entity. The write is atomic per entity; callers sequence
// dependent writes themselves (member before order array).
func (s *Store) Put(ctx context.Context, e domain.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("localstore: entity id required")
	}
	payload, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (kind, id, sync_status, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, id) DO UPDATE SET
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		string(e.Kind), e.ID, string(e.SyncStatus), e.UpdatedAt, payload)
	if err != nil {
		return err
	}
	s.signal(e.Kind, e.ID, domain.ChangeUpdated)
	return nil
}

// Delete removes the entity; deleting an absent entity is not an error.
func (s *Store) Delete(ctx context.Context, kind domain.Kind, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.signal(kind, id, domain.ChangeDeleted)
	}
	return nil
}

// ListByKind returns all entities of a kind, stable by id.
func (s *Store) ListByKind(ctx context.Context, kind domain.Kind) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entities WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Entity{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.Entity
		if err := sonic.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetOrder returns the manual ordering array for a list, empty when unset.
func (s *Store) GetOrder(ctx context.Context, listID string) ([]string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ids FROM list_orders WHERE list_id = ?`, listID)
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := sonic.Unmarshal(blob, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// PutOrder replaces the ordering array for a list.
func (s *Store) PutOrder(ctx context.Context, listID string, ids []string) error {
	blob, err := sonic.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO list_orders (list_id, ids, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (list_id) DO UPDATE SET ids = excluded.ids, updated_at = excluded.updated_at`,
		listID, blob, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.signal(domain.KindList, listID, domain.ChangeUpdated)
	return nil
}

// DeleteOrder drops the ordering record for a list.
func (s *Store) DeleteOrder(ctx context.Context, listID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM list_orders WHERE list_id = ?`, listID)
	return err
}

package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	name        TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	digest      TEXT    NOT NULL,
	produced_by TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE TABLE IF NOT EXISTS task_cache (
	fingerprint TEXT    NOT NULL,
	output      TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, output)
);`

// SQLiteStore persists artifacts in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	// commits are serialised in-process so version allocation never races
	mu  sync.Mutex
	now func() time.Time
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("opening artifact store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging artifact store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating artifact store: %w", err)
	}
	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Put(ctx context.Context, d Draft) (Artifact, error) {
	out, err := s.Commit(ctx, []Draft{d})
	if err != nil {
		return Artifact{}, err
	}
	return out[0], nil
}

func (s *SQLiteStore) Commit(ctx context.Context, drafts []Draft) ([]Artifact, error) {
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	created := s.now().UTC()
	out := make([]Artifact, 0, len(drafts))
	for _, d := range drafts {
		var last uint64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM artifacts WHERE name = ?`, d.Name,
		).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("reading latest version of %s: %w", d.Name, err)
		}
		a := Artifact{
			Name:       d.Name,
			Version:    last + 1,
			Kind:       d.Kind,
			Payload:    bytes.Clone(d.Payload),
			Digest:     Digest(d.Payload),
			ProducedBy: d.ProducedBy,
			CreatedAt:  created,
		}
		payload := a.Payload
		if payload == nil {
			payload = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (name, version, kind, payload, digest, produced_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Name, a.Version, a.Kind, payload, a.Digest, a.ProducedBy, a.CreatedAt.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting %s: %w", a.Ref(), err)
		}
		out = append(out, a)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing artifacts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string, version uint64) (Artifact, error) {
	var row *sql.Row
	if version == Latest {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, kind, payload, digest, produced_by, created_at
			FROM artifacts WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT name, version, kind, payload, digest, produced_by, created_at
			FROM artifacts WHERE name = ? AND version = ?`, name, version)
	}

	var (
		a       Artifact
		created int64
	)
	err := row.Scan(&a.Name, &a.Version, &a.Kind, &a.Payload, &a.Digest, &a.ProducedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, notFound(name, version)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("reading %s: %w", name, err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, name string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM artifacts WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", name, err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(name, Latest)
	}
	return out, nil
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM artifacts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing artifact names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Remember(ctx context.Context, fingerprint string, outputs map[string]Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_cache WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("clearing cache entry %s: %w", fingerprint, err)
	}
	for output, ref := range outputs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_cache (fingerprint, output, name, version) VALUES (?, ?, ?, ?)`,
			fingerprint, output, ref.Name, ref.Version,
		)
		if err != nil {
			return fmt.Errorf("recording cache entry %s: %w", fingerprint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache entry %s: %w", fingerprint, err)
	}
	return nil
}

func (s *SQLiteStore) Recall(ctx context.Context, fingerprint string) (map[string]Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT output, name, version FROM task_cache WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("reading cache entry %s: %w", fingerprint, err)
	}
	defer rows.Close()

	refs := make(map[string]Ref)
	for rows.Next() {
		var (
			output string
			ref    Ref
		)
		if err := rows.Scan(&output, &ref.Name, &ref.Version); err != nil {
			return nil, err
		}
		refs[output] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, noCacheEntry(fingerprint)
	}
	return refs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

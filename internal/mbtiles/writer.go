package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

// DefaultBatchSize is the number of tiles buffered before a flush.
const DefaultBatchSize = 100

var setupStatements = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	`CREATE TABLE IF NOT EXISTS metadata (name TEXT NOT NULL, value TEXT)`,
	`CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_data BLOB NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row)`,
}

const upsertTile = `INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`

type pendingTile struct {
	at   tile.Coords
	blob []byte
}

// Writer writes tiles to an MBTiles database. pbf tiles are gzipped on the
// way in as the format requires; png tiles are stored as they are.
type Writer struct {
	mu sync.Mutex

	db       *sql.DB
	path     string
	metadata Metadata
	gzip     bool

	pending []pendingTile
	limit   int
	written int
}

// New creates a writer. The database is created if it does not exist and
// its metadata table is replaced with metadata.
func New(path string, metadata Metadata) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := initialize(db, metadata); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize %s: %w", path, err)
	}

	return &Writer{
		db:       db,
		path:     path,
		metadata: metadata,
		gzip:     metadata.Format == FormatPBF,
		pending:  make([]pendingTile, 0, DefaultBatchSize),
		limit:    DefaultBatchSize,
	}, nil
}

func initialize(db *sql.DB, meta Metadata) error {
	for _, stmt := range setupStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	return inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM metadata"); err != nil {
			return fmt.Errorf("clear metadata: %w", err)
		}
		for name, value := range meta.ToMap() {
			if _, err := tx.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", name, value); err != nil {
				return fmt.Errorf("metadata %q: %w", name, err)
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction and commits when fn succeeds.
func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// WriteTile queues a tile and flushes once the batch is full.
func (w *Writer) WriteTile(c tile.Coords, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, pendingTile{at: c, blob: data})
	if len(w.pending) < w.limit {
		return nil
	}
	return w.commitPending()
}

// Flush writes any queued tiles to the database.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitPending()
}

// Written returns the number of tiles committed so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// commitPending stores the queue in one transaction. w.mu must be held.
func (w *Writer) commitPending() error {
	if len(w.pending) == 0 {
		return nil
	}

	err := inTx(w.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(upsertTile)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, p := range w.pending {
			blob, err := w.encode(p.blob)
			if err != nil {
				return fmt.Errorf("encode tile %s: %w", p.at, err)
			}
			if _, err := stmt.Exec(p.at.Z, p.at.X, tmsRow(p.at.Z, p.at.Y), blob); err != nil {
				return fmt.Errorf("store tile %s: %w", p.at, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.written += len(w.pending)
	w.pending = w.pending[:0]
	return nil
}

// encode applies the storage encoding of the tileset format. Payloads that
// are already gzipped pass through.
func (w *Writer) encode(data []byte) ([]byte, error) {
	if !w.gzip || bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close flushes the queue and closes the database. The database is closed
// even when the final flush fails.
func (w *Writer) Close() error {
	flushErr := w.Flush()
	closeErr := w.db.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", w.path, closeErr)
	}
	return nil
}

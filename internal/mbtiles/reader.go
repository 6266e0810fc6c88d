package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MeKo-Tech/mvtimagery/internal/tile"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Reader reads tiles from an MBTiles database. It is safe for concurrent use.
type Reader struct {
	db   *sql.DB
	path string

	stmtOnce sync.Once
	stmt     *sql.Stmt
	stmtErr  error
}

// OpenReader opens an MBTiles database for reading.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("database %s does not contain tiles table", path)
	}

	return &Reader{db: db, path: path}, nil
}

// Path returns the database file the reader was opened with.
func (r *Reader) Path() string { return r.path }

// ReadTileRaw returns the stored bytes of a tile without decompressing them.
// Coordinates are XYZ and converted to TMS internally.
func (r *Reader) ReadTileRaw(c tile.Coords) ([]byte, error) {
	r.stmtOnce.Do(func() {
		r.stmt, r.stmtErr = r.db.Prepare(
			"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?")
	})
	if r.stmtErr != nil {
		return nil, fmt.Errorf("failed to prepare tile query: %w", r.stmtErr)
	}

	var data []byte
	err := r.stmt.QueryRow(c.Z, c.X, tmsRow(c.Z, c.Y)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tile %s: %w", c, err)
	}
	return data, nil
}

// ReadTile returns a tile's payload, gunzipped if it was stored compressed.
func (r *Reader) ReadTile(c tile.Coords) ([]byte, error) {
	data, err := r.ReadTileRaw(c)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}

	uncompressed, err := gzipDecompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress tile %s: %w", c, err)
	}
	return uncompressed, nil
}

// Metadata reads the metadata table.
func (r *Reader) Metadata() (Metadata, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		values[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("error iterating metadata: %w", err)
	}

	return metadataFromMap(values), nil
}

// Close closes the database connection.
func (r *Reader) Close() error {
	if r.stmt != nil {
		r.stmt.Close()
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// Package store persists a project's checkpoint history in SQLite, using
// the pure-Go modernc.org/sqlite driver, with file contents packed into
// compressed segment files next to the database.
//
// Layout under the store directory:
//
//	history.db        checkpoint graph, manifests, object spans, refs
//	segments/<id>.seg one segment per checkpoint that added content
//
// Metadata commits atomically: a checkpoint either lands with its full
// manifest, object spans, and ref advance, or not at all. The segment file
// is written before the transaction commits and unlinked if it does not.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"strata/pack"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
	// ErrCheckpointNotFound indicates the requested checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrFileNotFound indicates a checkpoint's manifest has no row for a path.
	ErrFileNotFound = errors.New("file not in checkpoint")
	// ErrObjectNotFound indicates content is missing for a requested digest.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRefNotFound indicates the named ref does not exist.
	ErrRefNotFound = errors.New("ref not found")
	// ErrRefConflict indicates a compare-and-set lost to a concurrent update.
	ErrRefConflict = errors.New("ref moved concurrently")
)

// Checkpoint is one immutable snapshot record.
type Checkpoint struct {
	ID         string
	ParentID   string // empty for the root checkpoint
	Label      string
	Actor      string
	CreatedMs  int64
	FileCount  int64
	TotalBytes int64
}

// FileEntry is one row of a checkpoint's manifest.
type FileEntry struct {
	Path   string
	Digest string
	Size   int64
}

// Stats summarizes a store for diagnostics.
type Stats struct {
	Checkpoints  int64
	Segments     int64
	Objects      int64
	SegmentBytes int64
}

// DB is a single project's history store. Safe for concurrent use; writes
// serialize on the single underlying connection.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	dir  string
	path string
}

// Open opens (creating if necessary) the store rooted at dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	path := filepath.Join(dir, "history.db")

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writers; one connection avoids
	// SQLITE_BUSY churn under WAL.
	conn.SetMaxOpenConns(1)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{conn: conn, dir: dir, path: path}, nil
}

func applyPragmas(conn *sql.DB) error {
	for _, line := range strings.Split(pragmasSQL, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if _, err := conn.Exec(line); err != nil {
			return fmt.Errorf("apply pragma %q: %w", line, err)
		}
	}
	return nil
}

// Close closes the database. Further calls return ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Dir returns the store's root directory.
func (d *DB) Dir() string { return d.dir }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// NowMs returns the current wall clock in Unix milliseconds, the unit all
// timestamps in the store use.
func NowMs() int64 { return time.Now().UnixMilli() }

func (d *DB) segmentPath(id string) string {
	return filepath.Join(d.dir, "segments", id+".seg")
}

// PutCheckpoint atomically records a checkpoint: its metadata row, full
// file manifest, any new content objects (packed into one segment file),
// and, when advanceRef is non-empty, the ref moved to the new
// checkpoint. Objects whose digests are already stored are skipped, so
// callers may pass content for every file without checking first.
func (d *DB) PutCheckpoint(cp *Checkpoint, files []FileEntry, objects []pack.Object, advanceRef string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return ErrClosed
	}
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id is empty")
	}

	digests := make([]string, 0, len(objects))
	for _, obj := range objects {
		digests = append(digests, obj.Digest)
	}
	have, err := d.hasObjects(digests)
	if err != nil {
		return err
	}
	fresh := make([]pack.Object, 0, len(objects))
	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		if have[obj.Digest] || seen[obj.Digest] {
			continue
		}
		seen[obj.Digest] = true
		fresh = append(fresh, obj)
	}

	// Write the segment file first; unlink it if the transaction fails.
	var segID, segPath string
	var spans []pack.Span
	var segSize int
	if len(fresh) > 0 {
		segID = uuid.NewString()
		data, sp, err := pack.Build(fresh)
		if err != nil {
			return fmt.Errorf("build segment: %w", err)
		}
		spans = sp
		segSize = len(data)
		segPath = d.segmentPath(segID)
		if err := os.WriteFile(segPath, data, 0o644); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
	}
	fail := func(err error) error {
		if segPath != "" {
			os.Remove(segPath)
		}
		return err
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fail(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var parent any
	if cp.ParentID != "" {
		parent = cp.ParentID
	}
	_, err = tx.Exec(
		`INSERT INTO checkpoints (id, parent_id, label, actor, created_ms, file_count, total_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, parent, cp.Label, cp.Actor, cp.CreatedMs, cp.FileCount, cp.TotalBytes,
	)
	if err != nil {
		return fail(fmt.Errorf("insert checkpoint: %w", err))
	}

	if segID != "" {
		_, err = tx.Exec(
			`INSERT INTO segments (id, checkpoint_id, created_ms, size_bytes, object_count)
			 VALUES (?, ?, ?, ?, ?)`,
			segID, cp.ID, cp.CreatedMs, segSize, len(fresh),
		)
		if err != nil {
			return fail(fmt.Errorf("insert segment: %w", err))
		}
		for _, sp := range spans {
			_, err = tx.Exec(
				`INSERT OR IGNORE INTO objects (digest, segment_id, offset, length)
				 VALUES (?, ?, ?, ?)`,
				sp.Digest, segID, sp.Offset, sp.Length,
			)
			if err != nil {
				return fail(fmt.Errorf("insert object %s: %w", sp.Digest, err))
			}
		}
	}

	for _, f := range files {
		_, err = tx.Exec(
			`INSERT INTO checkpoint_files (checkpoint_id, path, digest, size)
			 VALUES (?, ?, ?, ?)`,
			cp.ID, f.Path, f.Digest, f.Size,
		)
		if err != nil {
			return fail(fmt.Errorf("insert manifest row %s: %w", f.Path, err))
		}
	}

	if advanceRef != "" {
		_, err = tx.Exec(
			`INSERT INTO refs (name, checkpoint_id, updated_ms) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET checkpoint_id = excluded.checkpoint_id, updated_ms = excluded.updated_ms`,
			advanceRef, cp.ID, cp.CreatedMs,
		)
		if err != nil {
			return fail(fmt.Errorf("advance ref %s: %w", advanceRef, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit checkpoint: %w", err))
	}
	return nil
}

// GetCheckpoint loads one checkpoint by id.
func (d *DB) GetCheckpoint(id string) (*Checkpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}

	row := d.conn.QueryRow(
		`SELECT id, parent_id, label, actor, created_ms, file_count, total_bytes
		 FROM checkpoints WHERE id = ?`, id)

	var cp Checkpoint
	var parent sql.NullString
	err := row.Scan(&cp.ID, &parent, &cp.Label, &cp.Actor, &cp.CreatedMs, &cp.FileCount, &cp.TotalBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	cp.ParentID = parent.String
	return &cp, nil
}

// GetFiles loads a checkpoint's manifest in path order.
func (d *DB) GetFiles(checkpointID string) ([]FileEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}

	var exists bool
	if err := d.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM checkpoints WHERE id = ?)`, checkpointID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}

	rows, err := d.conn.Query(
		`SELECT path, digest, size FROM checkpoint_files WHERE checkpoint_id = ? ORDER BY path`,
		checkpointID)
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	defer rows.Close()

	var files []FileEntry
	for rows.Next() {
		var f FileEntry
		if err := rows.Scan(&f.Path, &f.Digest, &f.Size); err != nil {
			return nil, fmt.Errorf("scan manifest row: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile loads one manifest row by checkpoint and path.
func (d *DB) GetFile(checkpointID, path string) (FileEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return FileEntry{}, ErrClosed
	}

	var f FileEntry
	err := d.conn.QueryRow(
		`SELECT path, digest, size FROM checkpoint_files WHERE checkpoint_id = ? AND path = ?`,
		checkpointID, path,
	).Scan(&f.Path, &f.Digest, &f.Size)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := d.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM checkpoints WHERE id = ?)`, checkpointID).Scan(&exists); err != nil {
			return FileEntry{}, fmt.Errorf("query checkpoint: %w", err)
		}
		if !exists {
			return FileEntry{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return FileEntry{}, fmt.Errorf("%w: %s at %s", ErrFileNotFound, path, checkpointID)
	}
	if err != nil {
		return FileEntry{}, fmt.Errorf("query manifest row: %w", err)
	}
	return f, nil
}

// HasRoot reports whether a root checkpoint (no parent) exists.
func (d *DB) HasRoot() (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return false, ErrClosed
	}
	var exists bool
	err := d.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM checkpoints WHERE parent_id IS NULL)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query root: %w", err)
	}
	return exists, nil
}

// HasObjects reports which of the given digests are already stored.
func (d *DB) HasObjects(digests []string) (map[string]bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}
	return d.hasObjects(digests)
}

// hasObjects expects d.mu held (read).
func (d *DB) hasObjects(digests []string) (map[string]bool, error) {
	have := make(map[string]bool, len(digests))
	const batch = 500
	for start := 0; start < len(digests); start += batch {
		end := min(start+batch, len(digests))
		chunk := digests[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, dg := range chunk {
			args[i] = dg
		}
		rows, err := d.conn.Query(
			`SELECT digest FROM objects WHERE digest IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("query objects: %w", err)
		}
		for rows.Next() {
			var dg string
			if err := rows.Scan(&dg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan digest: %w", err)
			}
			have[dg] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return have, nil
}

// objectSpan locates a digest's bytes inside a segment.
type objectSpan struct {
	segmentID string
	span      pack.Span
}

// ReadObject returns the content for one digest.
func (d *DB) ReadObject(digest string) ([]byte, error) {
	contents, err := d.ReadObjects([]string{digest})
	if err != nil {
		return nil, err
	}
	return contents[digest], nil
}

// ReadObjects returns content for every digest, decompressing each segment
// at most once. Any missing digest fails the whole read.
func (d *DB) ReadObjects(digests []string) (map[string][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, ErrClosed
	}

	spans := make(map[string]objectSpan, len(digests))
	const batch = 500
	for start := 0; start < len(digests); start += batch {
		end := min(start+batch, len(digests))
		chunk := digests[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, dg := range chunk {
			args[i] = dg
		}
		rows, err := d.conn.Query(
			`SELECT digest, segment_id, offset, length FROM objects WHERE digest IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("query spans: %w", err)
		}
		for rows.Next() {
			var osp objectSpan
			var dg string
			if err := rows.Scan(&dg, &osp.segmentID, &osp.span.Offset, &osp.span.Length); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan span: %w", err)
			}
			osp.span.Digest = dg
			spans[dg] = osp
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	// Group by segment so each file is read and decompressed once.
	bySegment := make(map[string][]pack.Span)
	for _, dg := range digests {
		osp, ok := spans[dg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, dg)
		}
		bySegment[osp.segmentID] = append(bySegment[osp.segmentID], osp.span)
	}

	contents := make(map[string][]byte, len(digests))
	for segID, segSpans := range bySegment {
		data, err := os.ReadFile(d.segmentPath(segID))
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", segID, err)
		}
		_, payload, err := pack.Open(data)
		if err != nil {
			return nil, fmt.Errorf("open segment %s: %w", segID, err)
		}
		for _, sp := range segSpans {
			content, err := pack.Extract(payload, sp)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", segID, err)
			}
			contents[sp.Digest] = content
		}
	}
	return contents, nil
}

// GetRef returns the checkpoint id the named ref points at.
func (d *DB) GetRef(name string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return "", ErrClosed
	}

	var id string
	err := d.conn.QueryRow(`SELECT checkpoint_id FROM refs WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("query ref: %w", err)
	}
	return id, nil
}

// SetRef points the named ref at a checkpoint, creating it if needed.
func (d *DB) SetRef(name, checkpointID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return ErrClosed
	}

	_, err := d.conn.Exec(
		`INSERT INTO refs (name, checkpoint_id, updated_ms) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET checkpoint_id = excluded.checkpoint_id, updated_ms = excluded.updated_ms`,
		name, checkpointID, NowMs(),
	)
	if err != nil {
		return fmt.Errorf("set ref %s: %w", name, err)
	}
	return nil
}

// CompareAndSetRef moves the named ref from old to next, failing with
// ErrRefConflict if it no longer points at old.
func (d *DB) CompareAndSetRef(name, old, next string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return ErrClosed
	}

	res, err := d.conn.Exec(
		`UPDATE refs SET checkpoint_id = ?, updated_ms = ? WHERE name = ? AND checkpoint_id = ?`,
		next, NowMs(), name, old,
	)
	if err != nil {
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := d.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM refs WHERE name = ?)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("query ref: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrRefNotFound, name)
		}
		return fmt.Errorf("%w: %s", ErrRefConflict, name)
	}
	return nil
}

// Stats reports table counts and total segment bytes.
func (d *DB) Stats() (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return Stats{}, ErrClosed
	}

	var s Stats
	err := d.conn.QueryRow(
		`SELECT
			(SELECT COUNT(*) FROM checkpoints),
			(SELECT COUNT(*) FROM segments),
			(SELECT COUNT(*) FROM objects),
			(SELECT COALESCE(SUM(size_bytes), 0) FROM segments)`,
	).Scan(&s.Checkpoints, &s.Segments, &s.Objects, &s.SegmentBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	checkpoint_id TEXT NOT NULL UNIQUE,
	thread_id     TEXT NOT NULL,
	parent_id     TEXT,
	step          INTEGER NOT NULL,
	source        TEXT NOT NULL,
	state         BLOB NOT NULL,
	metadata      BLOB,
	digest        TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq);
`

const selectColumns = `checkpoint_id, thread_id, parent_id, step, source, state, metadata, digest, created_at`

// SQLiteSaver stores checkpoints in a single SQLite database in WAL mode.
// State and metadata maps are written as zstd-compressed canonical CBOR.
type SQLiteSaver struct {
	pool *sqlitex.Pool
	path string
}

func OpenSQLite(path string) (*SQLiteSaver, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: creating %s: %w", filepath.Dir(path), err)
		}
	}
	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	if path == ":memory:" {
		poolSize = 1
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("pool_size", poolSize).Msg("checkpoint store opened")
	return &SQLiteSaver{pool: pool, path: path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("checkpoint: schema: %w", err)
	}
	return nil
}

func (s *SQLiteSaver) Put(ctx context.Context, cp Checkpoint) (err error) {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("checkpoint: thread and checkpoint ids are required")
	}
	stateBlob, err := EncodeState(cp.State)
	if err != nil {
		return err
	}
	var metadataBlob any
	if cp.Metadata != nil {
		encoded, err := EncodeState(cp.Metadata)
		if err != nil {
			return err
		}
		metadataBlob = encoded
	}
	var parentID any
	if cp.ParentID != "" {
		parentID = cp.ParentID
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `INSERT INTO checkpoints
		(checkpoint_id, thread_id, parent_id, step, source, state, metadata, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			cp.CheckpointID,
			cp.ThreadID,
			parentID,
			cp.Step,
			string(cp.Source),
			stateBlob,
			metadataBlob,
			cp.Digest,
			cp.CreatedAt.UTC().UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("checkpoint: insert %s: %w", cp.CheckpointID, err)
	}
	return nil
}

func (s *SQLiteSaver) Get(ctx context.Context, threadID, checkpointID string) (Checkpoint, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: take: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + selectColumns + ` FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`
	args := []any{threadID}
	if checkpointID != "" {
		query = `SELECT ` + selectColumns + ` FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`
		args = append(args, checkpointID)
	}

	var (
		found   bool
		out     Checkpoint
		scanErr error
	)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			out, scanErr = scanCheckpoint(stmt)
			return scanErr
		},
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: get: %w", err)
	}
	if !found {
		if checkpointID == "" {
			return Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	return out, nil
}

func (s *SQLiteSaver) List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: take: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	out := []Checkpoint{}
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{threadID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cp, err := scanCheckpoint(stmt)
				if err != nil {
					return err
				}
				out = append(out, cp)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteSaver) DeleteThread(ctx context.Context, threadID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, `DELETE FROM checkpoints WHERE thread_id = ?`, &sqlitex.ExecOptions{
		Args: []any{threadID},
	}); err != nil {
		return fmt.Errorf("checkpoint: delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteSaver) Close() error {
	if err := s.pool.Close(); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("checkpoint store close failed")
		return fmt.Errorf("checkpoint: closing %s: %w", s.path, err)
	}
	return nil
}

func scanCheckpoint(stmt *sqlite.Stmt) (Checkpoint, error) {
	cp := Checkpoint{
		CheckpointID: stmt.ColumnText(0),
		ThreadID:     stmt.ColumnText(1),
		Step:         stmt.ColumnInt(3),
		Source:       Source(stmt.ColumnText(4)),
		Digest:       stmt.ColumnText(7),
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}
	if !stmt.ColumnIsNull(2) {
		cp.ParentID = stmt.ColumnText(2)
	}
	stateBlob := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, stateBlob)
	state, err := DecodeState(stateBlob)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", cp.CheckpointID, err)
	}
	cp.State = state
	if !stmt.ColumnIsNull(6) {
		metadataBlob := make([]byte, stmt.ColumnLen(6))
		stmt.ColumnBytes(6, metadataBlob)
		metadata, err := DecodeState(metadataBlob)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint %s metadata: %w", cp.CheckpointID, err)
		}
		cp.Metadata = metadata
	}
	return cp, nil
}

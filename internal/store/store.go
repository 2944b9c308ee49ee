package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	kerrors "github.com/keeldb/keel/internal/errors"
)

// Store is the SQLite-backed persistence layer shared by all engine
// components. It keeps a single write connection (SQLite allows one writer)
// and a read-only connection pool for concurrent readers, so reconstruction
// and query reads never block behind appends.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	// Prepared statement cache
	insertEventStmt    *sql.Stmt
	insertSnapshotStmt *sql.Stmt
	upsertStateStmt    *sql.Stmt
}

// Open opens (creating if necessary) the engine database at dbPath.
func Open(dbPath string) (*Store, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// prepareStatements prepares the hot-path insert statements on the write
// connection.
func (s *Store) prepareStatements() error {
	insertEvent, err := s.db.Prepare(`
		INSERT INTO events (event_log_id, seq_num, timestamp, entity_id, event_type, event_data)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare event insert: %w", err)
	}
	s.insertEventStmt = insertEvent

	insertSnapshot, err := s.db.Prepare(`
		INSERT INTO snapshots (event_log_id, entity_id, seq_num, entity_type, state_data, entity_seq_num, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare snapshot insert: %w", err)
	}
	s.insertSnapshotStmt = insertSnapshot

	upsertState, err := s.db.Prepare(`
		INSERT INTO current_state (event_log_id, entity_id, entity_type, state_data, seq_num, entity_seq_num, last_snapshot_entity_seq_num, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_log_id, entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			state_data = excluded.state_data,
			seq_num = excluded.seq_num,
			entity_seq_num = excluded.entity_seq_num,
			last_snapshot_entity_seq_num = excluded.last_snapshot_entity_seq_num,
			last_updated = excluded.last_updated
		WHERE excluded.seq_num > current_state.seq_num`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare state upsert: %w", err)
	}
	s.upsertStateStmt = upsertState

	return nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertEventStmt != nil {
		s.insertEventStmt.Close()
	}
	if s.insertSnapshotStmt != nil {
		s.insertSnapshotStmt.Close()
	}
	if s.upsertStateStmt != nil {
		s.upsertStateStmt.Close()
	}

	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// compress snappy-encodes a payload for at-rest storage.
func compress(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// decompress reverses compress. A corrupt blob is surfaced as a storage
// error rather than silently truncated data.
func decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to decompress stored blob", err)
	}
	return out, nil
}

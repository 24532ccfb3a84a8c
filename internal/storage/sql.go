package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dreamware/relaydb/internal/cluster"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

const (
	createRecordsTable = `CREATE TABLE IF NOT EXISTS records (
	kind VARCHAR(64) NOT NULL,
	id CHAR(36) NOT NULL,
	payload BLOB,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NULL,
	origin_node VARCHAR(255) NOT NULL,
	PRIMARY KEY (kind, id),
	KEY records_kind_created (kind, created_at)
)`
	createNodesTable = `CREATE TABLE IF NOT EXISTS nodes (
	id VARCHAR(255) NOT NULL PRIMARY KEY,
	url VARCHAR(1024) NOT NULL,
	role VARCHAR(32) NOT NULL,
	status VARCHAR(32) NOT NULL,
	last_seen DATETIME(6) NOT NULL
)`

	insertRecord       = `INSERT INTO records (kind, id, payload, created_at, updated_at, origin_node) VALUES (?, ?, ?, ?, ?, ?)`
	insertRecordIgnore = `INSERT IGNORE INTO records (kind, id, payload, created_at, updated_at, origin_node) VALUES (?, ?, ?, ?, ?, ?)`
	selectRecord       = `SELECT kind, id, payload, created_at, updated_at, origin_node FROM records WHERE kind = ? AND id = ?`
	selectRecords      = `SELECT kind, id, payload, created_at, updated_at, origin_node FROM records WHERE kind = ? ORDER BY created_at DESC, id ASC`
	countRecords       = `SELECT COUNT(*) FROM records WHERE kind = ?`
	upsertNode         = `INSERT INTO nodes (id, url, role, status, last_seen) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE url = VALUES(url), role = VALUES(role), status = VALUES(status), last_seen = VALUES(last_seen)`
	selectNodes = `SELECT id, url, role, status, last_seen FROM nodes`
)

// SQLStore implements Store on MySQL. The primary key (kind, id) makes
// INSERT IGNORE the idempotent merge.
type SQLStore struct {
	db *sql.DB
}

// OpenMySQL connects using a go-sql-driver DSN and creates the tables if
// they are missing. parseTime is forced on and times are kept in UTC.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect mysql %s: %w", cfg.Addr, err)
	}

	s := NewSQLStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the records and nodes tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createRecordsTable, createNodesTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func recordArgs(rec Record) []any {
	var updated any
	if rec.UpdatedAt != nil {
		updated = rec.UpdatedAt.UTC()
	}
	return []any{rec.Kind, rec.ID, []byte(rec.Payload), rec.CreatedAt.UTC(), updated, rec.OriginNode}
}

// Insert stores rec, failing with ErrExists on a duplicate id.
func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertRecord, recordArgs(rec)...)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// InsertIfAbsent stores rec unless the id exists.
func (s *SQLStore) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, insertRecordIgnore, recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("merge record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec     Record
		payload []byte
		updated sql.NullTime
	)
	if err := row.Scan(&rec.Kind, &rec.ID, &payload, &rec.CreatedAt, &updated, &rec.OriginNode); err != nil {
		return Record{}, err
	}
	rec.Payload = payload
	rec.CreatedAt = rec.CreatedAt.UTC()
	if updated.Valid {
		t := updated.Time.UTC()
		rec.UpdatedAt = &t
	}
	return rec, nil
}

// Get returns the record or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, kind, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns up to limit records of kind, newest first.
func (s *SQLStore) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	query, args := selectRecords, []any{kind}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records of kind.
func (s *SQLStore) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, countRecords, kind).Scan(&n)
	return n, err
}

// SaveNode upserts a directory entry.
func (s *SQLStore) SaveNode(ctx context.Context, node cluster.NodeInfo) error {
	_, err := s.db.ExecContext(ctx, upsertNode,
		node.ID, node.URL, string(node.Role), string(node.Status), node.LastSeen.UTC())
	return err
}

// LoadNodes returns every persisted directory entry.
func (s *SQLStore) LoadNodes(ctx context.Context) ([]cluster.NodeInfo, error) {
	rows, err := s.db.QueryContext(ctx, selectNodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []cluster.NodeInfo
	for rows.Next() {
		var (
			n            cluster.NodeInfo
			role, status string
		)
		if err := rows.Scan(&n.ID, &n.URL, &role, &status, &n.LastSeen); err != nil {
			return nil, err
		}
		n.Role, n.Status = cluster.Role(role), cluster.Status(status)
		n.LastSeen = n.LastSeen.UTC()
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

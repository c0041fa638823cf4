package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"crmsync/internal/crm"
)

var ErrConflict = errors.New("record already exists")

// Change describes a committed write. Observers receive it after commit.
type Change struct {
	Kind    crm.ChangeKind
	Tenant  string
	Table   string
	ID      string
	Payload []byte
}

type Observer func(ctx context.Context, change Change)

// RecordStore keeps every CRM table in one crm_records table: one JSON
// payload per (tenant, table, id) plus the columns needed for ordering.
type RecordStore struct {
	db        *sql.DB
	driver    string
	mu        sync.RWMutex
	observers []Observer
}

func NewRecordStore(db *sql.DB, driver string) *RecordStore {
	if driver == "" {
		driver = DriverPostgres
	}
	return &RecordStore{db: db, driver: driver}
}

func (s *RecordStore) DB() *sql.DB {
	return s.db
}

func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Observe registers fn for every committed insert, update and delete.
func (s *RecordStore) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *RecordStore) emit(ctx context.Context, change Change) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, change)
	}
}

type row struct {
	id       string
	group    string
	position float64
	payload  []byte
}

func (s *RecordStore) insert(ctx context.Context, tenant, table string, r row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Concurrent creates may read the same sequence; listings break that
	// tie by id.
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(created_seq), 0) + 1 FROM crm_records WHERE tenant_id=$1 AND table_name=$2
	`, tenant, table).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence for %s: %w", table, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO crm_records (tenant_id, table_name, id, group_key, position, created_seq, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		ON CONFLICT (tenant_id, table_name, id) DO NOTHING
	`, tenant, table, r.id, r.group, r.position, seq, string(r.payload))
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, r.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, r.id, err)
	}
	if n == 0 {
		return fmt.Errorf("insert %s %s: %w", table, r.id, ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}

	s.emit(ctx, Change{Kind: crm.ChangeInsert, Tenant: tenant, Table: table, ID: r.id, Payload: r.payload})
	return nil
}

// update reads the current payload and replaces it with whatever fn returns,
// inside one transaction.
func (s *RecordStore) update(ctx context.Context, tenant, table, id string, fn func(payload []byte) (row, error)) (row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return row{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT payload FROM crm_records WHERE tenant_id=$1 AND table_name=$2 AND id=$3`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var payload string
	err = tx.QueryRowContext(ctx, query, tenant, table, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, crm.ErrNotFound
	}
	if err != nil {
		return row{}, fmt.Errorf("load %s %s: %w", table, id, err)
	}

	next, err := fn([]byte(payload))
	if err != nil {
		return row{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE crm_records SET group_key=$1, position=$2, payload=$3, updated_at=CURRENT_TIMESTAMP
		WHERE tenant_id=$4 AND table_name=$5 AND id=$6
	`, next.group, next.position, string(next.payload), tenant, table, id); err != nil {
		return row{}, fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if err := tx.Commit(); err != nil {
		return row{}, fmt.Errorf("commit update: %w", err)
	}

	s.emit(ctx, Change{Kind: crm.ChangeUpdate, Tenant: tenant, Table: table, ID: id, Payload: next.payload})
	return next, nil
}

func (s *RecordStore) delete(ctx context.Context, tenant, table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crm_records WHERE tenant_id=$1 AND table_name=$2 AND id=$3`, tenant, table, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	if affected == 0 {
		return crm.ErrNotFound
	}
	s.emit(ctx, Change{Kind: crm.ChangeDelete, Tenant: tenant, Table: table, ID: id})
	return nil
}

func (s *RecordStore) get(ctx context.Context, tenant, table, id string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM crm_records WHERE tenant_id=$1 AND table_name=$2 AND id=$3
	`, tenant, table, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, crm.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return []byte(payload), nil
}

// list returns payloads in board order: position first, then insertion order.
func (s *RecordStore) list(ctx context.Context, tenant, table string, filter crm.Filter) ([][]byte, error) {
	query := `SELECT payload FROM crm_records WHERE tenant_id=$1 AND table_name=$2`
	args := []any{tenant, table}
	if filter.Group != "" {
		query += ` AND group_key=$3`
		args = append(args, filter.Group)
	}
	query += ` ORDER BY position, created_seq, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

// SearchHit is one full-text match.
type SearchHit struct {
	Table   string
	ID      string
	Payload []byte
}

// Search is the database fallback used when no search engine is configured.
// It matches the query as a case-insensitive substring of the JSON payload.
func (s *RecordStore) Search(ctx context.Context, tenant, query string, tables []string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	sqlText := `SELECT table_name, id, payload FROM crm_records WHERE tenant_id=$1 AND LOWER(payload) LIKE $2 ESCAPE '\'`
	args := []any{tenant, pattern}
	if len(tables) > 0 {
		placeholders := make([]string, 0, len(tables))
		for _, table := range tables {
			args = append(args, table)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		sqlText += ` AND table_name IN (` + strings.Join(placeholders, ", ") + `)`
	}
	sqlText += fmt.Sprintf(` ORDER BY updated_at DESC, id LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var payload string
		if err := rows.Scan(&hit.Table, &hit.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.Payload = []byte(payload)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

// Scan calls fn for every stored record of every tenant. Used to rebuild the
// search index.
func (s *RecordStore) Scan(ctx context.Context, fn func(tenant string, hit SearchHit) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, table_name, id, payload FROM crm_records ORDER BY tenant_id, table_name, created_seq`)
	if err != nil {
		return fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tenant, payload string
		var hit SearchHit
		if err := rows.Scan(&tenant, &hit.Table, &hit.ID, &payload); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		hit.Payload = []byte(payload)
		if err := fn(tenant, hit); err != nil {
			return err
		}
	}
	return rows.Err()
}

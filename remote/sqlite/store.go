// Package sqlite provides a SQLite-backed implementation of the entitykit
// RemoteStore. Change notifications are delivered by an in-process broadcaster
// fed from successful writes, which is the natural shape for an embedded
// database: every writer goes through this store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/go-entity-kit/entitykit"
	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

const (
	opOpen      = kiterr.Op("sqlite.Open")
	opFetchOne  = kiterr.Op("sqlite.FetchOne")
	opFetchMany = kiterr.Op("sqlite.FetchCollection")
	opCreate    = kiterr.Op("sqlite.Create")
	opUpdate    = kiterr.Op("sqlite.Update")
	opDelete    = kiterr.Op("sqlite.Delete")
	opSubscribe = kiterr.Op("sqlite.SubscribeChanges")

	component = kiterr.Component("sqlite")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the SQLite connection string, e.g. "file:app.db".
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging for better concurrency. Enabled
	// by DefaultConfig.
	EnableWAL bool

	// Logger for internal operations. Nil disables logging.
	Logger *slog.Logger

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL mode and pooled connections.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
}

type subscriber struct {
	table string
	ch    chan entitykit.ChangeEvent
}

// Store implements entitykit.RemoteStore over SQLite.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	subBuffer int

	mu     sync.Mutex
	tables map[string]bool
	subs   map[*subscriber]struct{}
	closed bool
}

// Open opens the database and verifies connectivity.
func Open(config *Config) (*Store, error) {
	if config == nil || config.DataSourceName == "" {
		return nil, kiterr.E(opOpen, component, kiterr.KindValidation, "data source name is required")
	}
	config.setDefaults()

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, kiterr.E(opOpen, component, kiterr.KindNetwork, "open database", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, kiterr.E(opOpen, component, kiterr.KindNetwork, "ping database", err)
	}

	return &Store{
		db:        db,
		logger:    config.Logger.With(slog.String("component", "sqlite")),
		subBuffer: config.SubscriberBuffer,
		tables:    make(map[string]bool),
		subs:      make(map[*subscriber]struct{}),
	}, nil
}

// ensureTable creates the entity table on first use. Table names are
// validated because they are interpolated into DDL and queries.
func (s *Store) ensureTable(ctx context.Context, table string) error {
	if !tableNameRe.MatchString(table) {
		return kiterr.E(component, kiterr.KindValidation, fmt.Sprintf("invalid table name %q", table))
	}
	s.mu.Lock()
	ready := s.tables[table]
	s.mu.Unlock()
	if ready {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		fields     TEXT NOT NULL DEFAULT '{}'
	)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return kiterr.E(component, kiterr.KindInternal, "create table", err)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) FetchOne(ctx context.Context, table, id string) (entitykit.Entity, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return entitykit.Entity{}, kiterr.E(opFetchOne, err)
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, version, updated_at, fields FROM %s WHERE id = ?", table), id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return entitykit.Entity{}, kiterr.E(opFetchOne, component, kiterr.KindNotFound,
			fmt.Sprintf("entity %s not found", id))
	}
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opFetchOne, component, kiterr.KindInternal, err)
	}
	return e, nil
}

func (s *Store) FetchCollection(ctx context.Context, table string, q entitykit.Query) ([]entitykit.Entity, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, kiterr.E(opFetchMany, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, version, updated_at, fields FROM %s", table)
	var args []any
	if len(q.Filter) > 0 {
		var conds []string
		for k, v := range q.Filter {
			if !tableNameRe.MatchString(k) {
				return nil, kiterr.E(opFetchMany, component, kiterr.KindValidation,
					fmt.Sprintf("invalid filter field %q", k))
			}
			conds = append(conds, fmt.Sprintf("json_extract(fields, '$.%s') = ?", k))
			args = append(args, v)
		}
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	switch {
	case q.OrderBy == "":
		sb.WriteString(" ORDER BY id")
	case tableNameRe.MatchString(q.OrderBy):
		fmt.Fprintf(&sb, " ORDER BY json_extract(fields, '$.%s')", q.OrderBy)
	default:
		return nil, kiterr.E(opFetchMany, component, kiterr.KindValidation,
			fmt.Sprintf("invalid order field %q", q.OrderBy))
	}
	if q.Desc {
		sb.WriteString(" DESC")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
		if q.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, kiterr.E(opFetchMany, component, kiterr.KindInternal, err)
	}
	defer rows.Close()

	var out []entitykit.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, kiterr.E(opFetchMany, component, kiterr.KindInternal, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kiterr.E(opFetchMany, component, kiterr.KindInternal, err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table string, fields map[string]any) (entitykit.Entity, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return entitykit.Entity{}, kiterr.E(opCreate, err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindValidation, "fields must carry a string id")
	}

	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "id" {
			payload[k] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindValidation, "encode fields", err)
	}

	e := entitykit.Entity{ID: id, Version: 1, UpdatedAt: time.Now().UTC(), Fields: payload}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, version, updated_at, fields) VALUES (?, ?, ?, ?)", table),
		e.ID, e.Version, e.UpdatedAt, string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindConflict,
				fmt.Sprintf("entity %s already exists", id), err)
		}
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindInternal, err)
	}

	s.broadcast(entitykit.ChangeEvent{Type: entitykit.ChangeInsert, Table: table, Entity: e.Clone()})
	return e, nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch map[string]any) (entitykit.Entity, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindInternal, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, version, updated_at, fields FROM %s WHERE id = ?", table), id)
	prev, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindNotFound,
			fmt.Sprintf("entity %s not found", id))
	}
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindInternal, err)
	}

	next := prev.Clone()
	if next.Fields == nil {
		next.Fields = map[string]any{}
	}
	for k, v := range patch {
		next.Fields[k] = v
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(next.Fields)
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindValidation, "encode fields", err)
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET version = ?, updated_at = ?, fields = ? WHERE id = ? AND version = ?", table),
		next.Version, next.UpdatedAt, string(data), id, prev.Version)
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the version race inside the transaction window.
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindConflict,
			fmt.Sprintf("entity %s was modified concurrently", id))
	}
	if err := tx.Commit(); err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindInternal, err)
	}

	prevCopy := prev.Clone()
	s.broadcast(entitykit.ChangeEvent{
		Type:     entitykit.ChangeUpdate,
		Table:    table,
		Entity:   next.Clone(),
		Previous: &prevCopy,
	})
	return next, nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.ensureTable(ctx, table); err != nil {
		return kiterr.E(opDelete, err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return kiterr.E(opDelete, component, kiterr.KindInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kiterr.E(opDelete, component, kiterr.KindNotFound, fmt.Sprintf("entity %s not found", id))
	}

	s.broadcast(entitykit.ChangeEvent{Type: entitykit.ChangeDelete, Table: table, Entity: entitykit.Entity{ID: id}})
	return nil
}

// SubscribeChanges registers an in-process subscriber for the table. The
// channel closes on Close or when the subscriber falls too far behind.
func (s *Store) SubscribeChanges(ctx context.Context, table string) (<-chan entitykit.ChangeEvent, error) {
	if err := s.ensureTable(ctx, table); err != nil {
		return nil, kiterr.E(opSubscribe, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kiterr.E(opSubscribe, component, kiterr.KindInvalid, "store is closed")
	}
	sub := &subscriber{table: table, ch: make(chan entitykit.ChangeEvent, s.subBuffer)}
	s.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		s.dropSubscriber(sub)
	}()
	return sub.ch, nil
}

func (s *Store) broadcast(ev entitykit.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.table != ev.Table {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// A stalled consumer gets dropped; it will re-subscribe with
			// backoff and refetch, which is cheaper than unbounded buffering.
			s.logger.Warn("dropping stalled change subscriber", "table", sub.table)
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

func (s *Store) dropSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Close closes all subscriptions and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (entitykit.Entity, error) {
	var (
		e      entitykit.Entity
		fields string
	)
	if err := row.Scan(&e.ID, &e.Version, &e.UpdatedAt, &fields); err != nil {
		return entitykit.Entity{}, err
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return entitykit.Entity{}, fmt.Errorf("decode fields for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

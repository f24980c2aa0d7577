// Package redis provides a Redis-backed implementation of the entitykit
// RemoteStore. Entities live in one hash per table keyed by id (json values);
// versions are allocated from a per-table counter and change events ride on
// pub/sub, one channel per table.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c0deZ3R0/go-entity-kit/entitykit"
	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

const (
	opOpen      = kiterr.Op("redis.Open")
	opFetchOne  = kiterr.Op("redis.FetchOne")
	opFetchMany = kiterr.Op("redis.FetchCollection")
	opCreate    = kiterr.Op("redis.Create")
	opUpdate    = kiterr.Op("redis.Update")
	opDelete    = kiterr.Op("redis.Delete")
	opSubscribe = kiterr.Op("redis.SubscribeChanges")

	component = kiterr.Component("redis")
)

// Config holds configuration options for the Store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Logger for internal operations. Nil disables logging.
	Logger *slog.Logger

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int

	// SubscriberBuffer is the per-subscription event channel capacity.
	SubscriberBuffer int

	// KeyPrefix namespaces all keys, "entitykit" by default.
	KeyPrefix string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 5
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "entitykit"
	}
}

// DefaultConfig returns a Config for the given address.
func DefaultConfig(addr string) *Config {
	return &Config{Addr: addr}
}

// Store implements entitykit.RemoteStore over Redis.
type Store struct {
	rdb    *redis.Client
	cfg    *Config
	logger *slog.Logger
}

// Open connects and verifies connectivity.
func Open(config *Config) (*Store, error) {
	if config == nil || config.Addr == "" {
		return nil, kiterr.E(opOpen, component, kiterr.KindValidation, "address is required")
	}
	config.setDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, kiterr.E(opOpen, component, kiterr.KindNetwork,
			fmt.Sprintf("connect to redis at %s", config.Addr), err)
	}

	return &Store{
		rdb:    rdb,
		cfg:    config,
		logger: config.Logger.With(slog.String("component", "redis")),
	}, nil
}

func (s *Store) hashKey(table string) string    { return s.cfg.KeyPrefix + ":" + table }
func (s *Store) versionKey(table string) string { return s.cfg.KeyPrefix + ":" + table + ":version" }
func (s *Store) channel(table string) string    { return s.cfg.KeyPrefix + ":changes:" + table }

type storedEntity struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (se storedEntity) toEntity() entitykit.Entity {
	return entitykit.Entity{ID: se.ID, Version: se.Version, UpdatedAt: se.UpdatedAt, Fields: se.Fields}
}

func fromEntity(e entitykit.Entity) storedEntity {
	return storedEntity{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt, Fields: e.Fields}
}

func (s *Store) FetchOne(ctx context.Context, table, id string) (entitykit.Entity, error) {
	data, err := s.rdb.HGet(ctx, s.hashKey(table), id).Result()
	if err == redis.Nil {
		return entitykit.Entity{}, kiterr.E(opFetchOne, component, kiterr.KindNotFound,
			fmt.Sprintf("entity %s not found", id))
	}
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opFetchOne, component, kiterr.KindNetwork, err)
	}
	var se storedEntity
	if err := json.Unmarshal([]byte(data), &se); err != nil {
		return entitykit.Entity{}, kiterr.E(opFetchOne, component, kiterr.KindInternal, "decode entity", err)
	}
	return se.toEntity(), nil
}

// FetchCollection loads the whole hash and filters client-side. Redis hashes
// have no secondary indexes; tables cached through this adapter are expected
// to stay modest.
func (s *Store) FetchCollection(ctx context.Context, table string, q entitykit.Query) ([]entitykit.Entity, error) {
	all, err := s.rdb.HGetAll(ctx, s.hashKey(table)).Result()
	if err != nil {
		return nil, kiterr.E(opFetchMany, component, kiterr.KindNetwork, err)
	}

	var out []entitykit.Entity
	for id, data := range all {
		var se storedEntity
		if err := json.Unmarshal([]byte(data), &se); err != nil {
			return nil, kiterr.E(opFetchMany, component, kiterr.KindInternal,
				fmt.Sprintf("decode entity %s", id), err)
		}
		e := se.toEntity()
		if matchesFilter(e, q.Filter) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		less := out[i].ID < out[j].ID
		if q.OrderBy != "" {
			li := fmt.Sprintf("%v", out[i].Fields[q.OrderBy])
			lj := fmt.Sprintf("%v", out[j].Fields[q.OrderBy])
			if li != lj {
				less = li < lj
			}
		}
		if q.Desc {
			return !less
		}
		return less
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesFilter(e entitykit.Entity, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := e.Fields[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (s *Store) Create(ctx context.Context, table string, fields map[string]any) (entitykit.Entity, error) {
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

	version, err := s.rdb.Incr(ctx, s.versionKey(table)).Result()
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindNetwork, err)
	}
	e := entitykit.Entity{ID: id, Version: version, UpdatedAt: time.Now().UTC(), Fields: payload}
	data, err := json.Marshal(fromEntity(e))
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindValidation, "encode entity", err)
	}

	created, err := s.rdb.HSetNX(ctx, s.hashKey(table), id, data).Result()
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindNetwork, err)
	}
	if !created {
		return entitykit.Entity{}, kiterr.E(opCreate, component, kiterr.KindConflict,
			fmt.Sprintf("entity %s already exists", id))
	}

	s.publish(ctx, table, entitykit.ChangeEvent{Type: entitykit.ChangeInsert, Table: table, Entity: e.Clone()})
	return e, nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch map[string]any) (entitykit.Entity, error) {
	prev, err := s.FetchOne(ctx, table, id)
	if err != nil {
		if kiterr.IsKind(err, kiterr.KindNotFound) {
			return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindNotFound,
				fmt.Sprintf("entity %s not found", id))
		}
		return entitykit.Entity{}, kiterr.E(opUpdate, err)
	}

	next := prev.Clone()
	if next.Fields == nil {
		next.Fields = map[string]any{}
	}
	for k, v := range patch {
		next.Fields[k] = v
	}
	version, err := s.rdb.Incr(ctx, s.versionKey(table)).Result()
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindNetwork, err)
	}
	next.Version = version
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(fromEntity(next))
	if err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindValidation, "encode entity", err)
	}
	if err := s.rdb.HSet(ctx, s.hashKey(table), id, data).Err(); err != nil {
		return entitykit.Entity{}, kiterr.E(opUpdate, component, kiterr.KindNetwork, err)
	}

	prevCopy := prev.Clone()
	s.publish(ctx, table, entitykit.ChangeEvent{
		Type:     entitykit.ChangeUpdate,
		Table:    table,
		Entity:   next.Clone(),
		Previous: &prevCopy,
	})
	return next, nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	removed, err := s.rdb.HDel(ctx, s.hashKey(table), id).Result()
	if err != nil {
		return kiterr.E(opDelete, component, kiterr.KindNetwork, err)
	}
	if removed == 0 {
		return kiterr.E(opDelete, component, kiterr.KindNotFound, fmt.Sprintf("entity %s not found", id))
	}

	s.publish(ctx, table, entitykit.ChangeEvent{Type: entitykit.ChangeDelete, Table: table, Entity: entitykit.Entity{ID: id}})
	return nil
}

// publish emits the change on the table's pub/sub channel. Failures are
// logged, not returned: the write already landed and subscribers recover by
// refetching after a feed drop.
func (s *Store) publish(ctx context.Context, table string, ev entitykit.ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode change event", "table", table, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.channel(table), data).Err(); err != nil {
		s.logger.Warn("publish change event", "table", table, "error", err)
	}
}

// SubscribeChanges opens a pub/sub subscription for the table. The returned
// channel closes when ctx ends or the subscription drops; the reconciler
// re-subscribes with backoff.
func (s *Store) SubscribeChanges(ctx context.Context, table string) (<-chan entitykit.ChangeEvent, error) {
	sub := s.rdb.Subscribe(ctx, s.channel(table))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, kiterr.E(opSubscribe, component, kiterr.KindNetwork, "subscribe", err)
	}

	out := make(chan entitykit.ChangeEvent, s.cfg.SubscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev entitykit.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Error("decode change event", "table", table, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the client and its subscriptions.
func (s *Store) Close() error {
	return s.rdb.Close()
}

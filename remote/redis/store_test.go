package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-entity-kit/entitykit"
	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

func TestOpen_RequiresAddr(t *testing.T) {
	_, err := Open(&Config{})
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindValidation))

	_, err = Open(nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindValidation))
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := DefaultConfig("localhost:6379")
	cfg.setDefaults()

	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 5, cfg.MinIdleConns)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.Equal(t, "entitykit", cfg.KeyPrefix)
	assert.NotNil(t, cfg.Logger)
}

func TestStore_KeyLayout(t *testing.T) {
	s := &Store{cfg: &Config{KeyPrefix: "entitykit"}}

	assert.Equal(t, "entitykit:orders", s.hashKey("orders"))
	assert.Equal(t, "entitykit:orders:version", s.versionKey("orders"))
	assert.Equal(t, "entitykit:changes:orders", s.channel("orders"))
}

func TestMatchesFilter(t *testing.T) {
	e := entitykit.Entity{ID: "o1", Fields: map[string]any{"status": "open", "rank": 3}}

	assert.True(t, matchesFilter(e, nil))
	assert.True(t, matchesFilter(e, map[string]any{"status": "open"}))
	assert.True(t, matchesFilter(e, map[string]any{"status": "open", "rank": 3}))
	// Numeric values decoded from json compare by string form.
	assert.True(t, matchesFilter(e, map[string]any{"rank": "3"}))
	assert.False(t, matchesFilter(e, map[string]any{"status": "done"}))
	assert.False(t, matchesFilter(e, map[string]any{"missing": "x"}))
}

func TestStoredEntityRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	e := entitykit.Entity{
		ID: "o1", Version: 7, UpdatedAt: now,
		Fields: map[string]any{"status": "open"},
	}
	got := fromEntity(e).toEntity()
	assert.Equal(t, e, got)
}

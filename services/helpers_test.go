package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"planningpoker/models"
	"planningpoker/scoring"
)

var testEpoch = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// newTestDB opens a private in-memory SQLite database with the schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// recordingSignaler captures state change notifications.
type recordingSignaler struct {
	mu      sync.Mutex
	signals []string
}

func (r *recordingSignaler) NotifyStateChanged(ctx context.Context, sessionID, excludeParticipantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sessionID+"/"+excludeParticipantID)
}

func (r *recordingSignaler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

type testEnv struct {
	db       *gorm.DB
	clock    *clockwork.FakeClock
	presence *PresenceTracker
	store    *SessionStore
	signals  *recordingSignaler
	service  *GameService
}

func newTestEnv(t *testing.T, cache *SessionCache) *testEnv {
	t.Helper()

	db := newTestDB(t)
	clock := clockwork.NewFakeClockAt(testEpoch)
	presence := NewPresenceTracker(db, clock, DefaultPresenceConfig())
	store := NewSessionStore(db, cache, presence, clock)
	signals := &recordingSignaler{}
	tokens := NewAdminTokens("test-secret", time.Hour, clock)

	return &testEnv{
		db:       db,
		clock:    clock,
		presence: presence,
		store:    store,
		signals:  signals,
		service:  NewGameService(store, presence, tokens, signals, clock, scoring.DefaultConfig()),
	}
}

func newSession(id string) *models.Session {
	return &models.Session{
		ID:             id,
		Name:           "Sprint 42",
		AdminID:        "admin-1",
		AdminPassword:  "secret",
		ScoreConfig:    scoring.DefaultConfig(),
		Participants:   []models.Participant{{ID: "admin-1", Username: "Alice", Role: models.RoleAdmin, IsAdmin: true}},
		Tasks:          []models.Task{},
		CompletedTasks: []models.Task{},
		TaskQueue:      []models.Task{},
		IsActive:       true,
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"planningpoker/models"
)

const sessionCacheTTL = 2 * time.Hour

// SessionCache keeps a JSON snapshot of each session document in Redis.
// Participants are never cached since they are derived from heartbeat age.
type SessionCache struct {
	redis *redis.Client
}

func NewSessionCache(client *redis.Client) *SessionCache {
	return &SessionCache{redis: client}
}

func sessionKey(id string) string {
	return "session:" + id
}

// Load returns the cached snapshot, if any. Redis errors count as a miss.
func (c *SessionCache) Load(ctx context.Context, id string) (*models.Session, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("session_id", id).Msg("session cache read failed")
		}
		return nil, false
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("session cache entry is corrupt")
		return nil, false
	}
	sess.AdminPassword = ""
	return &sess, true
}

// Store writes the snapshot with a fixed TTL. The admin password is not cached.
func (c *SessionCache) Store(ctx context.Context, sess *models.Session) {
	if c == nil {
		return
	}

	snapshot := *sess
	snapshot.Participants = nil
	snapshot.AdminPassword = ""

	data, err := json.Marshal(&snapshot)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to marshal session snapshot")
		return
	}

	if err := c.redis.Set(ctx, sessionKey(sess.ID), data, sessionCacheTTL).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed")
	}
}

func (c *SessionCache) Invalidate(ctx context.Context, id string) {
	if c == nil {
		return
	}
	if err := c.redis.Del(ctx, sessionKey(id)).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("session cache invalidation failed")
	}
}

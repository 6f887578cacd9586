package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"planningpoker/models"
)

// PresenceConfig holds the two heartbeat windows. A participant is active while
// its last heartbeat is younger than ActiveWindow and is forgotten by Reap once
// it is ReapWindow old.
type PresenceConfig struct {
	ActiveWindow time.Duration
	ReapWindow   time.Duration
}

func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		ActiveWindow: 30 * time.Second,
		ReapWindow:   60 * time.Second,
	}
}

// PresenceTracker derives who is online from heartbeat recency. Transport
// connects and disconnects are not consulted.
type PresenceTracker struct {
	db     *gorm.DB
	clock  clockwork.Clock
	config PresenceConfig
}

func NewPresenceTracker(db *gorm.DB, clock clockwork.Clock, config PresenceConfig) *PresenceTracker {
	return &PresenceTracker{
		db:     db,
		clock:  clock,
		config: config,
	}
}

func (p *PresenceTracker) now() time.Time {
	return p.clock.Now().UTC()
}

// Join adds a participant to a session. The unique index on the normalized
// username rejects a second participant with the same name, including when
// two joins race. Rejoining with the same id refreshes the record.
func (p *PresenceTracker) Join(ctx context.Context, sessionID, participantID, username string, isAdmin bool) (*models.Participant, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}

	rec := models.ParticipantRecord{
		GameID:        sessionID,
		ID:            participantID,
		Username:      username,
		UsernameKey:   models.UsernameKey(username),
		IsAdmin:       isAdmin,
		LastHeartbeat: p.now(),
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ParticipantRecord
		err := tx.Where("game_id = ? AND id = ?", sessionID, participantID).Take(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&existing).Updates(map[string]interface{}{
				"username":       rec.Username,
				"username_key":   rec.UsernameKey,
				"is_admin":       rec.IsAdmin,
				"last_heartbeat": rec.LastHeartbeat,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&rec).Error
		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("username", username).
		Msg("participant joined session")

	return &models.Participant{
		ID:       participantID,
		Username: username,
		Role:     models.RoleFor(isAdmin),
		IsAdmin:  isAdmin,
		Status:   models.StatusActive,
	}, nil
}

// Heartbeat upserts the presence record with the current time.
func (p *PresenceTracker) Heartbeat(ctx context.Context, participantID, sessionID, username string, isAdmin bool) error {
	rec := models.ParticipantRecord{
		GameID:        sessionID,
		ID:            participantID,
		Username:      username,
		UsernameKey:   models.UsernameKey(username),
		IsAdmin:       isAdmin,
		LastHeartbeat: p.now(),
	}

	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "username_key", "is_admin", "last_heartbeat"}),
	}).Create(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// SessionExists reports whether presence may be recorded for the session.
func (p *PresenceTracker) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	if err := p.db.WithContext(ctx).Model(&models.Game{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return count > 0, nil
}

// Remove deletes the presence record of an explicit leave.
func (p *PresenceTracker) Remove(ctx context.Context, participantID, sessionID string) error {
	err := p.db.WithContext(ctx).
		Where("game_id = ? AND id = ?", sessionID, participantID).
		Delete(&models.ParticipantRecord{}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// ListActive returns participants whose heartbeat is inside the active window,
// ordered by username.
func (p *PresenceTracker) ListActive(ctx context.Context, sessionID string) ([]models.Participant, error) {
	cutoff := p.now().Add(-p.config.ActiveWindow)

	var rows []models.ParticipantRecord
	err := p.db.WithContext(ctx).
		Where("game_id = ? AND last_heartbeat > ?", sessionID, cutoff).
		Order("username ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return p.toParticipants(rows), nil
}

// ListAll returns every participant not yet reaped, marking those outside the
// active window as away.
func (p *PresenceTracker) ListAll(ctx context.Context, sessionID string) ([]models.Participant, error) {
	cutoff := p.now().Add(-p.config.ReapWindow)

	var rows []models.ParticipantRecord
	err := p.db.WithContext(ctx).
		Where("game_id = ? AND last_heartbeat > ?", sessionID, cutoff).
		Order("username ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return p.toParticipants(rows), nil
}

// CountActiveNonAdmin counts active voters.
func (p *PresenceTracker) CountActiveNonAdmin(ctx context.Context, sessionID string) (int, error) {
	cutoff := p.now().Add(-p.config.ActiveWindow)

	var count int64
	err := p.db.WithContext(ctx).Model(&models.ParticipantRecord{}).
		Where("game_id = ? AND last_heartbeat > ? AND is_admin = ?", sessionID, cutoff, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return int(count), nil
}

// Reap deletes every record, across all sessions, whose heartbeat has reached
// the reap window.
func (p *PresenceTracker) Reap(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.config.ReapWindow)

	result := p.db.WithContext(ctx).
		Where("last_heartbeat <= ?", cutoff).
		Delete(&models.ParticipantRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, result.Error)
	}
	return result.RowsAffected, nil
}

func (p *PresenceTracker) toParticipants(rows []models.ParticipantRecord) []models.Participant {
	activeCutoff := p.now().Add(-p.config.ActiveWindow)

	out := make([]models.Participant, 0, len(rows))
	for _, row := range rows {
		status := models.StatusAway
		if row.LastHeartbeat.After(activeCutoff) {
			status = models.StatusActive
		}
		out = append(out, models.Participant{
			ID:       row.ID,
			Username: row.Username,
			Role:     models.RoleFor(row.IsAdmin),
			IsAdmin:  row.IsAdmin,
			Status:   status,
		})
	}
	return out
}

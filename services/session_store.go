package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"planningpoker/models"
)

// SessionStore persists whole session documents. Every write is one
// transaction; concurrent writers resolve as last writer wins unless the
// caller uses ReplaceIfVersion.
type SessionStore struct {
	db       *gorm.DB
	cache    *SessionCache
	presence *PresenceTracker
	clock    clockwork.Clock
}

func NewSessionStore(db *gorm.DB, cache *SessionCache, presence *PresenceTracker, clock clockwork.Clock) *SessionStore {
	return &SessionStore{
		db:       db,
		cache:    cache,
		presence: presence,
		clock:    clock,
	}
}

// Migrate creates or updates the tables backing the store and the presence tracker.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Game{},
		&models.TaskRecord{},
		&models.QueuedTaskRecord{},
		&models.ParticipantRecord{},
	)
}

// Create inserts a new session together with its queue, any tasks and the
// participants it starts with.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	now := s.clock.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.SyncCurrent()

	game := models.Game{
		ID:            sess.ID,
		Name:          sess.Name,
		AdminID:       sess.AdminID,
		AdminPassword: sess.AdminPassword,
		ScoreConfig:   sess.ScoreConfig,
		CurrentTaskID: currentTaskID(sess),
		IsActive:      sess.IsActive,
		Version:       1,
		CreatedAt:     sess.CreatedAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&game).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateID
			}
			return err
		}

		if tasks := mergeTasks(sess); len(tasks) > 0 {
			if err := tx.Create(&tasks).Error; err != nil {
				return err
			}
		}

		if queue := queueRecords(sess); len(queue) > 0 {
			if err := tx.Create(&queue).Error; err != nil {
				return err
			}
		}

		for _, p := range sess.Participants {
			rec := models.ParticipantRecord{
				GameID:        sess.ID,
				ID:            p.ID,
				Username:      p.Username,
				UsernameKey:   models.UsernameKey(p.Username),
				IsAdmin:       p.IsAdmin || p.Role == models.RoleAdmin,
				LastHeartbeat: now,
			}
			if err := tx.Create(&rec).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrUsernameTaken
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrUsernameTaken) {
			return err
		}
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to create session")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	sess.Version = game.Version
	log.Info().Str("session_id", sess.ID).Str("name", sess.Name).Msg("session created")
	return nil
}

// Get returns the current document. The head row and the task collections
// are read in one repeatable-read transaction so a concurrent replace is
// seen entirely or not at all. The task collections come from the cache when
// its snapshot still carries the stored version; participants are always
// read fresh from presence.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	cached, hit := s.cache.Load(ctx, id)

	var (
		sess   *models.Session
		loaded bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head struct {
			Version       int64
			AdminPassword string
		}
		err := tx.Model(&models.Game{}).
			Select("version", "admin_password").
			Where("id = ?", id).
			Take(&head).Error
		if err != nil {
			return err
		}

		if hit && cached.Version == head.Version {
			sess = cached
		} else {
			if sess, err = loadTx(tx, id); err != nil {
				return err
			}
			loaded = true
		}
		sess.AdminPassword = head.AdminPassword
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if loaded {
		s.cache.Store(ctx, sess)
	}

	participants, err := s.presence.ListAll(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Participants = participants
	return sess, nil
}

// Exists reports whether a session with the id is stored.
func (s *SessionStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.presence.SessionExists(ctx, id)
}

// loadTx reads a full document through tx. Errors are returned unwrapped so
// the caller can map them once the transaction ends.
func loadTx(tx *gorm.DB, id string) (*models.Session, error) {
	var game models.Game
	if err := tx.Where("id = ?", id).Take(&game).Error; err != nil {
		return nil, err
	}

	var taskRows []models.TaskRecord
	if err := tx.Where("game_id = ?", id).Order("seq ASC").Find(&taskRows).Error; err != nil {
		return nil, err
	}

	var queueRows []models.QueuedTaskRecord
	if err := tx.Where("game_id = ?", id).Order("position ASC, created_at ASC").Find(&queueRows).Error; err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:             game.ID,
		Name:           game.Name,
		AdminID:        game.AdminID,
		ScoreConfig:    game.ScoreConfig,
		Participants:   []models.Participant{},
		Tasks:          make([]models.Task, 0, len(taskRows)),
		CompletedTasks: []models.Task{},
		TaskQueue:      make([]models.Task, 0, len(queueRows)),
		IsActive:       game.IsActive,
		CreatedAt:      game.CreatedAt.UTC(),
		Version:        game.Version,
	}

	for _, row := range taskRows {
		task := row.Task()
		sess.Tasks = append(sess.Tasks, task)
		if task.CompletedAt != nil {
			sess.CompletedTasks = append(sess.CompletedTasks, task)
		}
		if game.CurrentTaskID != nil && *game.CurrentTaskID == task.ID {
			current := task
			sess.CurrentTask = &current
		}
	}
	sort.SliceStable(sess.CompletedTasks, func(i, j int) bool {
		return sess.CompletedTasks[i].CompletedAt.Before(*sess.CompletedTasks[j].CompletedAt)
	})

	for _, row := range queueRows {
		sess.TaskQueue = append(sess.TaskQueue, row.Task())
	}

	return sess, nil
}

// Replace overwrites the stored document with sess: game fields, the full
// task set and the queue order commit together or not at all. Participants
// are left to the presence tracker. An empty admin password keeps the stored one.
func (s *SessionStore) Replace(ctx context.Context, sess *models.Session) error {
	return s.replace(ctx, sess, nil)
}

// ReplaceIfVersion is Replace guarded by the version the caller last read.
func (s *SessionStore) ReplaceIfVersion(ctx context.Context, sess *models.Session, expected int64) error {
	return s.replace(ctx, sess, &expected)
}

func (s *SessionStore) replace(ctx context.Context, sess *models.Session, expected *int64) error {
	sess.SyncCurrent()

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var game models.Game
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", sess.ID).Take(&game).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if expected != nil && game.Version != *expected {
			return ErrConflict
		}

		game.Name = sess.Name
		if sess.AdminID != "" {
			game.AdminID = sess.AdminID
		}
		if sess.AdminPassword != "" {
			game.AdminPassword = sess.AdminPassword
		}
		game.ScoreConfig = sess.ScoreConfig
		game.CurrentTaskID = currentTaskID(sess)
		game.IsActive = sess.IsActive
		game.Version++
		if err := tx.Save(&game).Error; err != nil {
			return err
		}
		version = game.Version

		tasks := mergeTasks(sess)
		keep := make([]string, 0, len(tasks))
		for _, t := range tasks {
			keep = append(keep, t.ID)
		}
		stale := tx.Where("game_id = ?", sess.ID)
		if len(keep) > 0 {
			stale = stale.Where("id NOT IN ?", keep)
		}
		if err := stale.Delete(&models.TaskRecord{}).Error; err != nil {
			return err
		}
		if len(tasks) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tasks).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("game_id = ?", sess.ID).Delete(&models.QueuedTaskRecord{}).Error; err != nil {
			return err
		}
		if queue := queueRecords(sess); len(queue) > 0 {
			if err := tx.Create(&queue).Error; err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		s.cache.Invalidate(ctx, sess.ID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to replace session")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	sess.Version = version
	s.cache.Invalidate(ctx, sess.ID)
	log.Debug().Str("session_id", sess.ID).Int64("version", version).Msg("session replaced")
	return nil
}

func currentTaskID(sess *models.Session) *string {
	if sess.CurrentTask == nil {
		return nil
	}
	id := sess.CurrentTask.ID
	return &id
}

// mergeTasks flattens Tasks and CompletedTasks into rows. Tasks fixes the
// order; a completed copy of the same id overrides the history entry since it
// carries the completion stamp.
func mergeTasks(sess *models.Session) []models.TaskRecord {
	index := make(map[string]int, len(sess.Tasks))
	rows := make([]models.TaskRecord, 0, len(sess.Tasks))
	for _, t := range sess.Tasks {
		if i, ok := index[t.ID]; ok {
			rows[i] = models.NewTaskRecord(sess.ID, i, t)
			continue
		}
		index[t.ID] = len(rows)
		rows = append(rows, models.NewTaskRecord(sess.ID, len(rows), t))
	}
	for _, t := range sess.CompletedTasks {
		if i, ok := index[t.ID]; ok {
			if t.CompletedAt == nil {
				t.CompletedAt = rows[i].CompletedAt
			}
			rows[i] = models.NewTaskRecord(sess.ID, i, t)
			continue
		}
		index[t.ID] = len(rows)
		rows = append(rows, models.NewTaskRecord(sess.ID, len(rows), t))
	}
	return rows
}

func queueRecords(sess *models.Session) []models.QueuedTaskRecord {
	rows := make([]models.QueuedTaskRecord, 0, len(sess.TaskQueue))
	seen := make(map[string]bool, len(sess.TaskQueue))
	for i, t := range sess.TaskQueue {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		rows = append(rows, models.QueuedTaskRecord{
			GameID:      sess.ID,
			ID:          t.ID,
			Description: t.Description,
			Position:    i,
		})
	}
	return rows
}

package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"planningpoker/models"
	"planningpoker/scoring"
)

const (
	maxCreateAttempts = 5
	maxMutateAttempts = 5
)

// Signaler tells connected clients that a session document changed.
type Signaler interface {
	NotifyStateChanged(ctx context.Context, sessionID, excludeParticipantID string)
}

// GameService runs every session operation as fetch, mutate, replace. Writes
// go through ReplaceIfVersion and are retried on conflict so concurrent
// voters do not overwrite each other.
type GameService struct {
	store         *SessionStore
	presence      *PresenceTracker
	tokens        *AdminTokens
	signaler      Signaler
	clock         clockwork.Clock
	defaultScores models.ScoreConfig
	random        io.Reader
}

func NewGameService(store *SessionStore, presence *PresenceTracker, tokens *AdminTokens, signaler Signaler, clock clockwork.Clock, defaultScores models.ScoreConfig) *GameService {
	return &GameService{
		store:         store,
		presence:      presence,
		tokens:        tokens,
		signaler:      signaler,
		clock:         clock,
		defaultScores: defaultScores,
		random:        rand.Reader,
	}
}

type CreateGameRequest struct {
	Name          string              `json:"name" binding:"required"`
	AdminName     string              `json:"adminName" binding:"required"`
	AdminPassword string              `json:"adminPassword" binding:"required"`
	ScoreConfig   *models.ScoreConfig `json:"scoreConfig"`
}

type CreateGameResponse struct {
	Session    *models.Session `json:"game"`
	AdminID    string          `json:"adminId"`
	AdminToken string          `json:"adminToken"`
}

type JoinGameRequest struct {
	Username string `json:"username" binding:"required"`
}

type LeaveGameRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type HeartbeatRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username" binding:"required"`
	IsAdmin  bool   `json:"isAdmin"`
}

type NotifyRequest struct {
	UserID string `json:"userId"`
}

type VerifyAdminRequest struct {
	Password string `json:"password" binding:"required"`
}

type VerifyAdminResponse struct {
	Valid bool   `json:"valid"`
	Token string `json:"token,omitempty"`
}

type SubmitVoteRequest struct {
	UserID      string       `json:"userId" binding:"required"`
	Username    string       `json:"username"`
	Uncertainty models.Level `json:"uncertainty" binding:"required,oneof=low mid high"`
	Complexity  models.Level `json:"complexity" binding:"required,oneof=low mid high"`
	Effort      models.Level `json:"effort" binding:"required,oneof=low mid high"`
}

type AddTaskRequest struct {
	Description string `json:"description" binding:"required"`
}

type FinalScoreRequest struct {
	Score *float64 `json:"score" binding:"required"`
}

// QueueRequest is one task queue action. Which fields are read depends on Action.
type QueueRequest struct {
	Action      string             `json:"action" binding:"required,oneof=import reorder select edit delete clear"`
	Tasks       []QueueTaskRequest `json:"tasks"`
	FromIndex   *int               `json:"fromIndex"`
	ToIndex     *int               `json:"toIndex"`
	TaskID      string             `json:"taskId"`
	Description string             `json:"description"`
}

type QueueTaskRequest struct {
	Description string `json:"description"`
}

// CreateGame stores a new session with the admin as its first participant and
// returns an admin token for it.
func (s *GameService) CreateGame(ctx context.Context, req *CreateGameRequest) (*CreateGameResponse, error) {
	name := strings.TrimSpace(req.Name)
	adminName := strings.TrimSpace(req.AdminName)
	if name == "" || adminName == "" || req.AdminPassword == "" {
		return nil, fmt.Errorf("%w: name, adminName and adminPassword are required", ErrValidation)
	}

	scores := s.defaultScores
	if req.ScoreConfig != nil {
		if err := scoring.Validate(*req.ScoreConfig); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		scores = *req.ScoreConfig
	}

	adminID := uuid.NewString()
	var sess *models.Session
	for attempt := 1; ; attempt++ {
		id, err := s.generateSessionID()
		if err != nil {
			return nil, err
		}
		sess = &models.Session{
			ID:            id,
			Name:          name,
			AdminID:       adminID,
			AdminPassword: req.AdminPassword,
			ScoreConfig:   scores,
			Participants: []models.Participant{{
				ID:       adminID,
				Username: adminName,
				Role:     models.RoleAdmin,
				IsAdmin:  true,
				Status:   models.StatusActive,
			}},
			Tasks:          []models.Task{},
			CompletedTasks: []models.Task{},
			TaskQueue:      []models.Task{},
			IsActive:       true,
		}

		err = s.store.Create(ctx, sess)
		if err == nil {
			break
		}
		if errors.Is(err, ErrDuplicateID) && attempt < maxCreateAttempts {
			log.Debug().Str("session_id", sess.ID).Msg("session id collision, retrying")
			continue
		}
		return nil, err
	}

	token, err := s.tokens.Issue(sess.ID, adminID)
	if err != nil {
		return nil, err
	}

	sess.AdminPassword = ""
	return &CreateGameResponse{Session: sess, AdminID: adminID, AdminToken: token}, nil
}

// GetSession returns the document as served to clients, without the admin password.
func (s *GameService) GetSession(ctx context.Context, gameID string) (*models.Session, error) {
	sess, err := s.store.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	sess.AdminPassword = ""
	return sess, nil
}

// ReplaceSession overwrites the stored document. With expectedVersion set the
// write only lands if nobody replaced the session since that version was read.
// The admin password cannot be changed this way.
func (s *GameService) ReplaceSession(ctx context.Context, gameID string, sess *models.Session, expectedVersion *int64, actorID string) (*models.Session, error) {
	sess.ID = gameID
	sess.AdminPassword = ""
	for _, t := range sess.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: every task needs an id", ErrValidation)
		}
	}
	if sess.ScoreConfig.IsZero() {
		sess.ScoreConfig = s.defaultScores
	}

	var err error
	if expectedVersion != nil {
		err = s.store.ReplaceIfVersion(ctx, sess, *expectedVersion)
	} else {
		err = s.store.Replace(ctx, sess)
	}
	if err != nil {
		return nil, err
	}

	s.notify(ctx, gameID, actorID)
	return s.GetSession(ctx, gameID)
}

// JoinGame adds a voter. Usernames are unique per session ignoring case.
func (s *GameService) JoinGame(ctx context.Context, gameID string, req *JoinGameRequest) (*models.Participant, error) {
	if err := s.requireSession(ctx, gameID); err != nil {
		return nil, err
	}

	participant, err := s.presence.Join(ctx, gameID, uuid.NewString(), req.Username, false)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, gameID, participant.ID)
	return participant, nil
}

func (s *GameService) LeaveGame(ctx context.Context, gameID string, req *LeaveGameRequest) error {
	if err := s.presence.Remove(ctx, req.UserID, gameID); err != nil {
		return err
	}
	log.Info().Str("session_id", gameID).Str("participant_id", req.UserID).Msg("participant left via api")
	s.notify(ctx, gameID, req.UserID)
	return nil
}

// Heartbeat refreshes presence for clients whose realtime channel is down.
func (s *GameService) Heartbeat(ctx context.Context, gameID string, req *HeartbeatRequest) error {
	if err := s.requireSession(ctx, gameID); err != nil {
		return err
	}
	return s.presence.Heartbeat(ctx, req.UserID, gameID, req.Username, req.IsAdmin)
}

// Notify relays a client's change signal when it has no realtime channel.
func (s *GameService) Notify(ctx context.Context, gameID string, req *NotifyRequest) error {
	if err := s.requireSession(ctx, gameID); err != nil {
		return err
	}
	s.notify(ctx, gameID, req.UserID)
	return nil
}

// VerifyAdmin compares the password with the stored one and issues an admin
// token when they match.
func (s *GameService) VerifyAdmin(ctx context.Context, gameID string, req *VerifyAdminRequest) (*VerifyAdminResponse, error) {
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password required", ErrValidation)
	}

	sess, err := s.store.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if sess.AdminPassword != req.Password {
		log.Warn().Str("session_id", gameID).Msg("admin password rejected")
		return &VerifyAdminResponse{Valid: false}, nil
	}

	token, err := s.tokens.Issue(gameID, sess.AdminID)
	if err != nil {
		return nil, err
	}
	return &VerifyAdminResponse{Valid: true, Token: token}, nil
}

func (s *GameService) ValidateAdminToken(token, gameID string) (*AdminClaims, error) {
	return s.tokens.Validate(token, gameID)
}

// AddTask authors a task and makes it current. A task that was current
// before stays in the history uncompleted.
func (s *GameService) AddTask(ctx context.Context, gameID, actorID string, req *AddTaskRequest) (*models.Session, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}

	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		task := models.Task{
			ID:          ulid.Make().String(),
			Description: description,
			Votes:       []models.Vote{},
		}
		sess.CurrentTask = &task
		sess.SyncCurrent()
		return nil
	})
}

// SelectQueuedTask moves a queue entry to current. Like AddTask it does not
// complete the task it displaces.
func (s *GameService) SelectQueuedTask(ctx context.Context, gameID, actorID, taskID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		i := sess.FindQueued(taskID)
		if i < 0 {
			return fmt.Errorf("%w: task %s is not in the queue", ErrNotFound, taskID)
		}

		task := sess.TaskQueue[i]
		task.Votes = []models.Vote{}
		task.Revealed = false
		task.AllowChanges = false
		task.CompletedAt = nil

		sess.TaskQueue = append(sess.TaskQueue[:i], sess.TaskQueue[i+1:]...)
		sess.CurrentTask = &task
		sess.SyncCurrent()
		return nil
	})
}

func (s *GameService) RevealVotes(ctx context.Context, gameID, actorID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		if sess.CurrentTask == nil {
			return fmt.Errorf("%w: no current task", ErrInvalidTransition)
		}
		sess.CurrentTask.Revealed = true
		sess.SyncCurrent()
		return nil
	})
}

func (s *GameService) AllowChanges(ctx context.Context, gameID, actorID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		if sess.CurrentTask == nil {
			return fmt.Errorf("%w: no current task", ErrInvalidTransition)
		}
		if !sess.CurrentTask.Revealed {
			return fmt.Errorf("%w: votes must be revealed before changes are allowed", ErrInvalidTransition)
		}
		sess.CurrentTask.AllowChanges = true
		sess.SyncCurrent()
		return nil
	})
}

// NextQuestion completes the current task and clears it.
func (s *GameService) NextQuestion(ctx context.Context, gameID, actorID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		if sess.CurrentTask == nil {
			return fmt.Errorf("%w: no current task", ErrInvalidTransition)
		}

		completedAt := s.clock.Now().UTC()
		done := *sess.CurrentTask
		done.CompletedAt = &completedAt

		if i := sess.FindTask(done.ID); i >= 0 {
			sess.Tasks[i] = done
		} else {
			sess.Tasks = append(sess.Tasks, done)
		}
		if sess.FindCompleted(done.ID) < 0 {
			sess.CompletedTasks = append(sess.CompletedTasks, done)
		}
		sess.CurrentTask = nil
		return nil
	})
}

// SubmitVote records or replaces the participant's vote on the current task.
func (s *GameService) SubmitVote(ctx context.Context, gameID string, req *SubmitVoteRequest) (*models.Session, error) {
	vote := models.Vote{
		UserID:      req.UserID,
		Username:    strings.TrimSpace(req.Username),
		Uncertainty: req.Uncertainty,
		Complexity:  req.Complexity,
		Effort:      req.Effort,
	}
	if !vote.Valid() {
		return nil, fmt.Errorf("%w: vote needs a user and a level for every dimension", ErrValidation)
	}

	return s.mutate(ctx, gameID, req.UserID, func(sess *models.Session) error {
		task := sess.CurrentTask
		if task == nil {
			return fmt.Errorf("%w: no current task", ErrInvalidTransition)
		}
		if !task.AcceptsVotes() {
			return fmt.Errorf("%w: task %s does not accept votes in state %s", ErrInvalidTransition, task.ID, task.State())
		}

		// Presence may have expired while the voter was polling; the stored
		// name wins when there is one, otherwise the request must carry it.
		for _, p := range sess.Participants {
			if p.ID == vote.UserID {
				vote.Username = p.Username
				break
			}
		}
		if vote.Username == "" {
			return fmt.Errorf("%w: username required for participant %s", ErrValidation, vote.UserID)
		}

		vote.TotalScore = scoring.VoteScore(vote, sess.ScoreConfig)
		task.UpsertVote(vote)
		sess.SyncCurrent()
		return nil
	})
}

// SetFinalScore records the agreed score of a task that has been current.
// It never changes the task's lifecycle state.
func (s *GameService) SetFinalScore(ctx context.Context, gameID, actorID, taskID string, req *FinalScoreRequest) (*models.Session, error) {
	if req.Score == nil {
		return nil, fmt.Errorf("%w: score is required", ErrValidation)
	}
	score := *req.Score

	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		found := false
		if i := sess.FindTask(taskID); i >= 0 {
			sess.Tasks[i].FinalScore = &score
			found = true
		}
		if i := sess.FindCompleted(taskID); i >= 0 {
			sess.CompletedTasks[i].FinalScore = &score
			found = true
		}
		if sess.CurrentTask != nil && sess.CurrentTask.ID == taskID {
			sess.CurrentTask.FinalScore = &score
			found = true
		}
		if !found {
			return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil
	})
}

// ImportTasks appends staged tasks to the end of the queue. Blank
// descriptions are skipped.
func (s *GameService) ImportTasks(ctx context.Context, gameID, actorID string, tasks []QueueTaskRequest) (*models.Session, error) {
	staged := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		description := strings.TrimSpace(t.Description)
		if description == "" {
			continue
		}
		staged = append(staged, models.Task{
			ID:          ulid.Make().String(),
			Description: description,
			Votes:       []models.Vote{},
		})
	}
	if len(staged) == 0 {
		return nil, fmt.Errorf("%w: no tasks to import", ErrValidation)
	}

	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		sess.TaskQueue = append(sess.TaskQueue, staged...)
		return nil
	})
}

// ReorderQueue moves the entry at from to position to.
func (s *GameService) ReorderQueue(ctx context.Context, gameID, actorID string, from, to int) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		n := len(sess.TaskQueue)
		if from < 0 || from >= n || to < 0 || to >= n {
			return fmt.Errorf("%w: queue positions %d and %d out of range [0,%d)", ErrValidation, from, to, n)
		}

		moved := sess.TaskQueue[from]
		queue := append(sess.TaskQueue[:from:from], sess.TaskQueue[from+1:]...)
		queue = append(queue[:to], append([]models.Task{moved}, queue[to:]...)...)
		sess.TaskQueue = queue
		return nil
	})
}

func (s *GameService) EditQueuedTask(ctx context.Context, gameID, actorID, taskID, description string) (*models.Session, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}

	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		i := sess.FindQueued(taskID)
		if i < 0 {
			return fmt.Errorf("%w: task %s is not in the queue", ErrNotFound, taskID)
		}
		sess.TaskQueue[i].Description = description
		return nil
	})
}

func (s *GameService) DeleteQueuedTask(ctx context.Context, gameID, actorID, taskID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		i := sess.FindQueued(taskID)
		if i < 0 {
			return fmt.Errorf("%w: task %s is not in the queue", ErrNotFound, taskID)
		}
		sess.TaskQueue = append(sess.TaskQueue[:i], sess.TaskQueue[i+1:]...)
		return nil
	})
}

func (s *GameService) ClearQueue(ctx context.Context, gameID, actorID string) (*models.Session, error) {
	return s.mutate(ctx, gameID, actorID, func(sess *models.Session) error {
		sess.TaskQueue = []models.Task{}
		return nil
	})
}

// mutate re-reads the session, applies fn and writes the result back guarded
// by the version it read. On a conflict the whole cycle is repeated.
func (s *GameService) mutate(ctx context.Context, gameID, actorID string, fn func(*models.Session) error) (*models.Session, error) {
	for attempt := 1; ; attempt++ {
		sess, err := s.store.Get(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}

		err = s.store.ReplaceIfVersion(ctx, sess, sess.Version)
		if errors.Is(err, ErrConflict) && attempt < maxMutateAttempts {
			log.Debug().Str("session_id", gameID).Int("attempt", attempt).Msg("session changed during update, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.notify(ctx, gameID, actorID)
		sess.AdminPassword = ""
		return sess, nil
	}
}

func (s *GameService) requireSession(ctx context.Context, gameID string) error {
	ok, err := s.store.Exists(ctx, gameID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *GameService) notify(ctx context.Context, gameID, actorID string) {
	if s.signaler == nil {
		return
	}
	s.signaler.NotifyStateChanged(ctx, gameID, actorID)
}

// generateSessionID returns a short random hex id. Collisions are caught by
// the primary key and retried by CreateGame.
func (s *GameService) generateSessionID() (string, error) {
	bytes := make([]byte, 5)
	if _, err := io.ReadFull(s.random, bytes); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

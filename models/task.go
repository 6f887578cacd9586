package models

import (
	"time"
)

type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Votes        []Vote     `json:"votes"`
	Revealed     bool       `json:"revealed"`
	AllowChanges bool       `json:"allowChanges"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	FinalScore   *float64   `json:"finalScore,omitempty"`
}

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskQueued         TaskState = "queued"
	TaskCurrent        TaskState = "current"
	TaskRevealed       TaskState = "revealed"
	TaskChangesAllowed TaskState = "changesAllowed"
	TaskCompleted      TaskState = "completed"
)

// State derives the lifecycle state from the task flags. Queue entries are
// never asked: a task outside the queue is at least current.
func (t *Task) State() TaskState {
	switch {
	case t.CompletedAt != nil:
		return TaskCompleted
	case t.Revealed && t.AllowChanges:
		return TaskChangesAllowed
	case t.Revealed:
		return TaskRevealed
	default:
		return TaskCurrent
	}
}

// AcceptsVotes reports whether participants may submit or replace a vote.
func (t *Task) AcceptsVotes() bool {
	switch t.State() {
	case TaskCurrent, TaskChangesAllowed:
		return true
	}
	return false
}

// UpsertVote replaces the vote of the same participant in place or appends it.
func (t *Task) UpsertVote(v Vote) {
	for i := range t.Votes {
		if t.Votes[i].UserID == v.UserID {
			t.Votes[i] = v
			return
		}
	}
	t.Votes = append(t.Votes, v)
}

// TaskRecord is a stored task that has been current at least once.
type TaskRecord struct {
	GameID       string     `gorm:"primaryKey;size:64;index"`
	ID           string     `gorm:"primaryKey;size:64"`
	Seq          int        `gorm:"not null;default:0"`
	Description  string     `gorm:"not null"`
	Votes        []Vote     `gorm:"serializer:json"`
	Revealed     bool       `gorm:"not null;default:false"`
	AllowChanges bool       `gorm:"not null;default:false"`
	CompletedAt  *time.Time `gorm:"index"`
	FinalScore   *float64
	CreatedAt    time.Time
}

func (TaskRecord) TableName() string { return "tasks" }

// QueuedTaskRecord is a staged task waiting in the queue.
type QueuedTaskRecord struct {
	GameID      string `gorm:"primaryKey;size:64;index"`
	ID          string `gorm:"primaryKey;size:64"`
	Description string `gorm:"not null"`
	Position    int    `gorm:"not null;default:0;index"`
	CreatedAt   time.Time
}

func (QueuedTaskRecord) TableName() string { return "task_queue" }

// NewTaskRecord converts a task into its row at the given sequence position.
func NewTaskRecord(gameID string, seq int, t Task) TaskRecord {
	votes := t.Votes
	if votes == nil {
		votes = []Vote{}
	}
	return TaskRecord{
		GameID:       gameID,
		ID:           t.ID,
		Seq:          seq,
		Description:  t.Description,
		Votes:        votes,
		Revealed:     t.Revealed,
		AllowChanges: t.AllowChanges,
		CompletedAt:  t.CompletedAt,
		FinalScore:   t.FinalScore,
	}
}

func (r TaskRecord) Task() Task {
	votes := r.Votes
	if votes == nil {
		votes = []Vote{}
	}
	return Task{
		ID:           r.ID,
		Description:  r.Description,
		Votes:        votes,
		Revealed:     r.Revealed,
		AllowChanges: r.AllowChanges,
		CompletedAt:  r.CompletedAt,
		FinalScore:   r.FinalScore,
	}
}

func (r QueuedTaskRecord) Task() Task {
	return Task{ID: r.ID, Description: r.Description, Votes: []Vote{}}
}

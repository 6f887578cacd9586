package models

import (
	"time"
)

// Session is the full document of one planning poker game as exchanged with
// clients and persisted by the session store.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	AdminID        string        `json:"adminId"`
	AdminPassword  string        `json:"adminPassword,omitempty"`
	ScoreConfig    ScoreConfig   `json:"scoreConfig"`
	Participants   []Participant `json:"participants"`
	CurrentTask    *Task         `json:"currentTask"`
	Tasks          []Task        `json:"tasks"`
	CompletedTasks []Task        `json:"completedTasks"`
	TaskQueue      []Task        `json:"taskQueue"`
	IsActive       bool          `json:"isActive"`
	CreatedAt      time.Time     `json:"createdAt"`
	Version        int64         `json:"version"`
}

// FindTask returns the index of the task with the given id in Tasks, or -1.
func (s *Session) FindTask(taskID string) int {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

// FindCompleted returns the index of the task in CompletedTasks, or -1.
func (s *Session) FindCompleted(taskID string) int {
	for i := range s.CompletedTasks {
		if s.CompletedTasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

// FindQueued returns the index of the task in TaskQueue, or -1.
func (s *Session) FindQueued(taskID string) int {
	for i := range s.TaskQueue {
		if s.TaskQueue[i].ID == taskID {
			return i
		}
	}
	return -1
}

// SyncCurrent copies CurrentTask over its entry in Tasks so both views agree.
func (s *Session) SyncCurrent() {
	if s.CurrentTask == nil {
		return
	}
	if i := s.FindTask(s.CurrentTask.ID); i >= 0 {
		s.Tasks[i] = *s.CurrentTask
		return
	}
	s.Tasks = append(s.Tasks, *s.CurrentTask)
}

// Game is the stored row behind a Session. Collections live in their own tables.
type Game struct {
	ID            string      `gorm:"primaryKey;size:64"`
	Name          string      `gorm:"not null"`
	AdminID       string      `gorm:"not null"`
	AdminPassword string      `gorm:"not null"`
	ScoreConfig   ScoreConfig `gorm:"serializer:json;not null"`
	CurrentTaskID *string     `gorm:"size:64"`
	IsActive      bool        `gorm:"not null;default:true"`
	Version       int64       `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Game) TableName() string { return "games" }

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_State(t *testing.T) {
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		task    Task
		want    TaskState
		accepts bool
	}{
		{"fresh", Task{}, TaskCurrent, true},
		{"revealed", Task{Revealed: true}, TaskRevealed, false},
		{"changes allowed", Task{Revealed: true, AllowChanges: true}, TaskChangesAllowed, true},
		{"allow flag alone", Task{AllowChanges: true}, TaskCurrent, true},
		{"completed", Task{Revealed: true, AllowChanges: true, CompletedAt: &now}, TaskCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.State())
			assert.Equal(t, tt.accepts, tt.task.AcceptsVotes())
		})
	}
}

func TestTask_UpsertVoteKeepsPosition(t *testing.T) {
	task := Task{}
	task.UpsertVote(Vote{UserID: "a", Uncertainty: LevelLow})
	task.UpsertVote(Vote{UserID: "b", Uncertainty: LevelMid})
	task.UpsertVote(Vote{UserID: "a", Uncertainty: LevelHigh})

	assert.Len(t, task.Votes, 2)
	assert.Equal(t, "a", task.Votes[0].UserID)
	assert.Equal(t, LevelHigh, task.Votes[0].Uncertainty)
	assert.Equal(t, "b", task.Votes[1].UserID)
}

func TestSession_SyncCurrent(t *testing.T) {
	sess := Session{Tasks: []Task{{ID: "t1"}}}

	sess.CurrentTask = &Task{ID: "t2", Description: "New"}
	sess.SyncCurrent()
	assert.Len(t, sess.Tasks, 2)

	sess.CurrentTask.Revealed = true
	sess.SyncCurrent()
	assert.Len(t, sess.Tasks, 2)
	assert.True(t, sess.Tasks[1].Revealed)
}

func TestVote_Valid(t *testing.T) {
	assert.True(t, Vote{UserID: "a", Uncertainty: LevelLow, Complexity: LevelMid, Effort: LevelHigh}.Valid())
	assert.False(t, Vote{Uncertainty: LevelLow, Complexity: LevelMid, Effort: LevelHigh}.Valid())
	assert.False(t, Vote{UserID: "a", Uncertainty: "huge", Complexity: LevelMid, Effort: LevelHigh}.Valid())
	assert.Equal(t, "low-mid-high", CombinationKey(LevelLow, LevelMid, LevelHigh))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planningpoker/models"
)

func createGame(t *testing.T, env *testEnv) *CreateGameResponse {
	t.Helper()
	resp, err := env.service.CreateGame(context.Background(), &CreateGameRequest{
		Name:          "Sprint 42",
		AdminName:     "Alice",
		AdminPassword: "secret",
	})
	require.NoError(t, err)
	return resp
}

func joinGame(t *testing.T, env *testEnv, gameID, username string) *models.Participant {
	t.Helper()
	p, err := env.service.JoinGame(context.Background(), gameID, &JoinGameRequest{Username: username})
	require.NoError(t, err)
	return p
}

func vote(userID string, u, c, e models.Level) *SubmitVoteRequest {
	return &SubmitVoteRequest{UserID: userID, Uncertainty: u, Complexity: c, Effort: e}
}

func TestGameService_CreateGame(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := createGame(t, env)

	assert.Len(t, resp.Session.ID, 10)
	assert.Empty(t, resp.Session.AdminPassword)
	assert.Equal(t, resp.AdminID, resp.Session.AdminID)
	require.Len(t, resp.Session.Participants, 1)
	assert.True(t, resp.Session.Participants[0].IsAdmin)
	assert.NotEmpty(t, resp.Session.ScoreConfig.Combinations)

	claims, err := env.service.ValidateAdminToken(resp.AdminToken, resp.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.AdminID, claims.Subject)

	stored, err := env.store.Get(context.Background(), resp.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.AdminPassword)
}

func TestGameService_CreateGameValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.service.CreateGame(context.Background(), &CreateGameRequest{Name: " ", AdminName: "Alice", AdminPassword: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.CreateGame(context.Background(), &CreateGameRequest{
		Name:          "Sprint",
		AdminName:     "Alice",
		AdminPassword: "x",
		ScoreConfig:   &models.ScoreConfig{Combinations: map[string]float64{"huge-low-low": 3}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGameService_JoinGame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)

	bob := joinGame(t, env, game.Session.ID, "Bob")
	assert.False(t, bob.IsAdmin)
	assert.Equal(t, game.Session.ID+"/"+bob.ID, env.signals.signals[len(env.signals.signals)-1])

	_, err := env.service.JoinGame(ctx, game.Session.ID, &JoinGameRequest{Username: "alice"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = env.service.JoinGame(ctx, "missing", &JoinGameRequest{Username: "Carol"})
	assert.ErrorIs(t, err, ErrNotFound)

	sess, err := env.service.GetSession(ctx, game.Session.ID)
	require.NoError(t, err)
	assert.Len(t, sess.Participants, 2)

	require.NoError(t, env.service.LeaveGame(ctx, game.Session.ID, &LeaveGameRequest{UserID: bob.ID}))
	sess, err = env.service.GetSession(ctx, game.Session.ID)
	require.NoError(t, err)
	assert.Len(t, sess.Participants, 1)
}

// Two voters disagree, the admin settles on a score between them.
func TestGameService_FullRound(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id, admin := game.Session.ID, game.AdminID

	a := joinGame(t, env, id, "Bob")
	b := joinGame(t, env, id, "Carol")

	sess, err := env.service.AddTask(ctx, id, admin, &AddTaskRequest{Description: "Login page"})
	require.NoError(t, err)
	require.NotNil(t, sess.CurrentTask)
	taskID := sess.CurrentTask.ID

	_, err = env.service.SubmitVote(ctx, id, vote(a.ID, models.LevelLow, models.LevelLow, models.LevelLow))
	require.NoError(t, err)
	sess, err = env.service.SubmitVote(ctx, id, vote(b.ID, models.LevelHigh, models.LevelHigh, models.LevelHigh))
	require.NoError(t, err)

	require.Len(t, sess.CurrentTask.Votes, 2)
	assert.Equal(t, 1.0, sess.CurrentTask.Votes[0].TotalScore)
	assert.Equal(t, "Bob", sess.CurrentTask.Votes[0].Username)
	assert.Equal(t, 21.0, sess.CurrentTask.Votes[1].TotalScore)

	sess, err = env.service.RevealVotes(ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRevealed, sess.CurrentTask.State())

	score := 13.0
	_, err = env.service.SetFinalScore(ctx, id, admin, taskID, &FinalScoreRequest{Score: &score})
	require.NoError(t, err)

	env.clock.Advance(90 * time.Second)
	sess, err = env.service.NextQuestion(ctx, id, admin)
	require.NoError(t, err)
	assert.Nil(t, sess.CurrentTask)

	sess, err = env.service.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, sess.CompletedTasks, 1)
	done := sess.CompletedTasks[0]
	assert.Equal(t, taskID, done.ID)
	require.NotNil(t, done.FinalScore)
	assert.Equal(t, 13.0, *done.FinalScore)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(testEpoch.Add(90*time.Second)))
	assert.Len(t, done.Votes, 2)
	require.Len(t, sess.Tasks, 1)
	assert.Equal(t, models.TaskCompleted, sess.Tasks[0].State())

	_, err = env.service.NextQuestion(ctx, id, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGameService_VoteReplacedInPlace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id := game.Session.ID

	a := joinGame(t, env, id, "Bob")
	b := joinGame(t, env, id, "Carol")
	_, err := env.service.AddTask(ctx, id, game.AdminID, &AddTaskRequest{Description: "Search"})
	require.NoError(t, err)

	_, err = env.service.SubmitVote(ctx, id, vote(a.ID, models.LevelLow, models.LevelLow, models.LevelLow))
	require.NoError(t, err)
	_, err = env.service.SubmitVote(ctx, id, vote(b.ID, models.LevelMid, models.LevelMid, models.LevelMid))
	require.NoError(t, err)
	sess, err := env.service.SubmitVote(ctx, id, vote(a.ID, models.LevelHigh, models.LevelLow, models.LevelLow))
	require.NoError(t, err)

	require.Len(t, sess.CurrentTask.Votes, 2)
	assert.Equal(t, a.ID, sess.CurrentTask.Votes[0].UserID)
	assert.Equal(t, models.LevelHigh, sess.CurrentTask.Votes[0].Uncertainty)
	assert.Equal(t, 3.0, sess.CurrentTask.Votes[0].TotalScore)
	assert.Equal(t, sess.CurrentTask.Votes, sess.Tasks[0].Votes)
}

func TestGameService_VotingWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id, admin := game.Session.ID, game.AdminID
	bob := joinGame(t, env, id, "Bob")

	_, err := env.service.SubmitVote(ctx, id, vote(bob.ID, models.LevelLow, models.LevelLow, models.LevelLow))
	assert.ErrorIs(t, err, ErrInvalidTransition, "no current task")

	_, err = env.service.AddTask(ctx, id, admin, &AddTaskRequest{Description: "Export"})
	require.NoError(t, err)

	_, err = env.service.AllowChanges(ctx, id, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition, "changes need a reveal first")

	_, err = env.service.RevealVotes(ctx, id, admin)
	require.NoError(t, err)
	_, err = env.service.RevealVotes(ctx, id, admin)
	require.NoError(t, err, "reveal is idempotent")

	_, err = env.service.SubmitVote(ctx, id, vote(bob.ID, models.LevelLow, models.LevelLow, models.LevelLow))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sess, err := env.service.AllowChanges(ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, models.TaskChangesAllowed, sess.CurrentTask.State())

	sess, err = env.service.SubmitVote(ctx, id, vote(bob.ID, models.LevelMid, models.LevelLow, models.LevelLow))
	require.NoError(t, err)
	assert.Len(t, sess.CurrentTask.Votes, 1)
	assert.True(t, sess.CurrentTask.Revealed)
}

func TestGameService_VoteFromUnknownParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)

	_, err := env.service.AddTask(ctx, game.Session.ID, game.AdminID, &AddTaskRequest{Description: "Export"})
	require.NoError(t, err)

	_, err = env.service.SubmitVote(ctx, game.Session.ID, vote("stranger", models.LevelLow, models.LevelLow, models.LevelLow))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.SubmitVote(ctx, game.Session.ID, vote(game.AdminID, "huge", models.LevelLow, models.LevelLow))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGameService_VoteAfterPresenceIsGone(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id := game.Session.ID

	bob := joinGame(t, env, id, "Bob")
	carol := joinGame(t, env, id, "Carol")
	_, err := env.service.AddTask(ctx, id, game.AdminID, &AddTaskRequest{Description: "Reports"})
	require.NoError(t, err)

	// Bob's socket dropped: the hub removed his presence row.
	require.NoError(t, env.presence.Remove(ctx, bob.ID, id))
	req := vote(bob.ID, models.LevelLow, models.LevelLow, models.LevelLow)
	req.Username = "Bob"
	sess, err := env.service.SubmitVote(ctx, id, req)
	require.NoError(t, err)
	require.Len(t, sess.CurrentTask.Votes, 1)
	assert.Equal(t, "Bob", sess.CurrentTask.Votes[0].Username)

	// Carol never opened a socket and her presence was reaped.
	env.clock.Advance(61 * time.Second)
	_, err = env.presence.Reap(ctx)
	require.NoError(t, err)
	req = vote(carol.ID, models.LevelHigh, models.LevelHigh, models.LevelHigh)
	req.Username = "Carol"
	sess, err = env.service.SubmitVote(ctx, id, req)
	require.NoError(t, err)
	require.Len(t, sess.CurrentTask.Votes, 2)
	assert.Equal(t, 21.0, sess.CurrentTask.Votes[1].TotalScore)
}

func TestGameService_CreateGameWithoutEntropy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.service.random = iotest.ErrReader(errors.New("entropy exhausted"))

	_, err := env.service.CreateGame(context.Background(), &CreateGameRequest{
		Name:          "Sprint 42",
		AdminName:     "Alice",
		AdminPassword: "secret",
	})
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestGameService_ConcurrentVotesAreAllKept(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id := game.Session.ID

	_, err := env.service.AddTask(ctx, id, game.AdminID, &AddTaskRequest{Description: "Billing"})
	require.NoError(t, err)

	voters := make([]*models.Participant, 4)
	for i := range voters {
		voters[i] = joinGame(t, env, id, fmt.Sprintf("voter-%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(voters))
	for i, p := range voters {
		wg.Add(1)
		go func(i int, p *models.Participant) {
			defer wg.Done()
			_, errs[i] = env.service.SubmitVote(ctx, id, vote(p.ID, models.LevelMid, models.LevelMid, models.LevelMid))
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sess, err := env.service.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sess.CurrentTask.Votes, len(voters))
}

func TestGameService_SelectQueuedTaskLeavesPreviousOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id, admin := game.Session.ID, game.AdminID

	sess, err := env.service.AddTask(ctx, id, admin, &AddTaskRequest{Description: "First"})
	require.NoError(t, err)
	first := sess.CurrentTask.ID

	sess, err = env.service.ImportTasks(ctx, id, admin, []QueueTaskRequest{{Description: "Second"}})
	require.NoError(t, err)
	queued := sess.TaskQueue[0].ID

	sess, err = env.service.SelectQueuedTask(ctx, id, admin, queued)
	require.NoError(t, err)
	assert.Equal(t, queued, sess.CurrentTask.ID)
	assert.Empty(t, sess.TaskQueue)
	assert.Empty(t, sess.CompletedTasks)
	require.Len(t, sess.Tasks, 2)
	assert.Equal(t, first, sess.Tasks[0].ID)
	assert.Nil(t, sess.Tasks[0].CompletedAt)

	_, err = env.service.SelectQueuedTask(ctx, id, admin, queued)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGameService_QueueOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id, admin := game.Session.ID, game.AdminID

	_, err := env.service.ImportTasks(ctx, id, admin, []QueueTaskRequest{{Description: " "}, {Description: ""}})
	assert.ErrorIs(t, err, ErrValidation)

	sess, err := env.service.ImportTasks(ctx, id, admin, []QueueTaskRequest{
		{Description: "A"}, {Description: " "}, {Description: "B"}, {Description: "C"},
	})
	require.NoError(t, err)
	require.Len(t, sess.TaskQueue, 3)

	sess, err = env.service.ReorderQueue(ctx, id, admin, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, descriptions(sess.TaskQueue))

	sess, err = env.service.ReorderQueue(ctx, id, admin, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, descriptions(sess.TaskQueue))

	_, err = env.service.ReorderQueue(ctx, id, admin, 0, 3)
	assert.ErrorIs(t, err, ErrValidation)

	sess, err = env.service.EditQueuedTask(ctx, id, admin, sess.TaskQueue[1].ID, "B, revised")
	require.NoError(t, err)
	assert.Equal(t, "B, revised", sess.TaskQueue[1].Description)

	sess, err = env.service.DeleteQueuedTask(ctx, id, admin, sess.TaskQueue[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B, revised", "C"}, descriptions(sess.TaskQueue))

	stored, err := env.service.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"B, revised", "C"}, descriptions(stored.TaskQueue))

	sess, err = env.service.ClearQueue(ctx, id, admin)
	require.NoError(t, err)
	assert.Empty(t, sess.TaskQueue)

	_, err = env.service.DeleteQueuedTask(ctx, id, admin, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGameService_SetFinalScoreUnknownTask(t *testing.T) {
	env := newTestEnv(t, nil)
	game := createGame(t, env)
	score := 5.0

	_, err := env.service.SetFinalScore(context.Background(), game.Session.ID, game.AdminID, "nope", &FinalScoreRequest{Score: &score})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGameService_VerifyAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)

	resp, err := env.service.VerifyAdmin(ctx, game.Session.ID, &VerifyAdminRequest{Password: "wrong"})
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Empty(t, resp.Token)

	resp, err = env.service.VerifyAdmin(ctx, game.Session.ID, &VerifyAdminRequest{Password: "secret"})
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	_, err = env.service.ValidateAdminToken(resp.Token, game.Session.ID)
	require.NoError(t, err)
	_, err = env.service.ValidateAdminToken(resp.Token, "other")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.service.VerifyAdmin(ctx, "missing", &VerifyAdminRequest{Password: "secret"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGameService_ReplaceSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	id := game.Session.ID

	doc, err := env.service.GetSession(ctx, id)
	require.NoError(t, err)
	version := doc.Version

	doc.Name = "Renamed"
	doc.AdminPassword = "hijacked"
	doc.ScoreConfig = models.ScoreConfig{}
	doc.Tasks = []models.Task{{ID: "t1", Description: "Imported", Votes: []models.Vote{}}}

	got, err := env.service.ReplaceSession(ctx, id, doc, &version, game.AdminID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Empty(t, got.AdminPassword)
	assert.NotEmpty(t, got.ScoreConfig.Combinations)
	assert.Len(t, got.Tasks, 1)

	resp, err := env.service.VerifyAdmin(ctx, id, &VerifyAdminRequest{Password: "secret"})
	require.NoError(t, err)
	assert.True(t, resp.Valid, "password survives a replace")

	doc.Name = "Stale write"
	_, err = env.service.ReplaceSession(ctx, id, doc, &version, game.AdminID)
	assert.ErrorIs(t, err, ErrConflict)

	doc.Tasks = []models.Task{{Description: "no id"}}
	_, err = env.service.ReplaceSession(ctx, id, doc, nil, game.AdminID)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGameService_NotifiesExcludingActor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)
	before := env.signals.count()

	_, err := env.service.AddTask(ctx, game.Session.ID, game.AdminID, &AddTaskRequest{Description: "Signals"})
	require.NoError(t, err)
	require.Equal(t, before+1, env.signals.count())
	assert.Equal(t, game.Session.ID+"/"+game.AdminID, env.signals.signals[before])

	_, err = env.service.AllowChanges(ctx, game.Session.ID, game.AdminID)
	require.Error(t, err)
	assert.Equal(t, before+1, env.signals.count(), "failed operations do not signal")

	require.NoError(t, env.service.Notify(ctx, game.Session.ID, &NotifyRequest{UserID: "p9"}))
	assert.Equal(t, game.Session.ID+"/p9", env.signals.signals[before+1])
}

func TestGameService_Heartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	game := createGame(t, env)

	err := env.service.Heartbeat(ctx, game.Session.ID, &HeartbeatRequest{UserID: "p2", Username: "Dave"})
	require.NoError(t, err)

	count, err := env.presence.CountActiveNonAdmin(ctx, game.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = env.service.Heartbeat(ctx, "missing", &HeartbeatRequest{UserID: "p2", Username: "Dave"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func descriptions(tasks []models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Description)
	}
	return out
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"planningpoker/models"
	"planningpoker/services"
)

// TaskHandler serves the admin task lifecycle and queue routes.
type TaskHandler struct {
	gameService *services.GameService
}

func NewTaskHandler(gameService *services.GameService) *TaskHandler {
	return &TaskHandler{
		gameService: gameService,
	}
}

func (h *TaskHandler) AddTask(c *gin.Context) {
	var req services.AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.gameService.AddTask(c.Request.Context(), c.Param("id"), actorID(c), &req)
	h.respond(c, sess, err)
}

func (h *TaskHandler) RevealVotes(c *gin.Context) {
	sess, err := h.gameService.RevealVotes(c.Request.Context(), c.Param("id"), actorID(c))
	h.respond(c, sess, err)
}

func (h *TaskHandler) AllowChanges(c *gin.Context) {
	sess, err := h.gameService.AllowChanges(c.Request.Context(), c.Param("id"), actorID(c))
	h.respond(c, sess, err)
}

func (h *TaskHandler) NextQuestion(c *gin.Context) {
	sess, err := h.gameService.NextQuestion(c.Request.Context(), c.Param("id"), actorID(c))
	h.respond(c, sess, err)
}

func (h *TaskHandler) SetFinalScore(c *gin.Context) {
	var req services.FinalScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.gameService.SetFinalScore(c.Request.Context(), c.Param("id"), actorID(c), c.Param("taskId"), &req)
	h.respond(c, sess, err)
}

// ManageQueue dispatches one queue action.
func (h *TaskHandler) ManageQueue(c *gin.Context) {
	var req services.QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	gameID := c.Param("id")
	actor := actorID(c)

	var (
		sess *models.Session
		err  error
	)
	switch req.Action {
	case "import":
		sess, err = h.gameService.ImportTasks(ctx, gameID, actor, req.Tasks)
	case "reorder":
		if req.FromIndex == nil || req.ToIndex == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fromIndex and toIndex are required"})
			return
		}
		sess, err = h.gameService.ReorderQueue(ctx, gameID, actor, *req.FromIndex, *req.ToIndex)
	case "select":
		sess, err = h.gameService.SelectQueuedTask(ctx, gameID, actor, req.TaskID)
	case "edit":
		sess, err = h.gameService.EditQueuedTask(ctx, gameID, actor, req.TaskID, req.Description)
	case "delete":
		sess, err = h.gameService.DeleteQueuedTask(ctx, gameID, actor, req.TaskID)
	case "clear":
		sess, err = h.gameService.ClearQueue(ctx, gameID, actor)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action"})
		return
	}

	h.respond(c, sess, err)
}

func (h *TaskHandler) respond(c *gin.Context, sess *models.Session, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "game": sess})
}

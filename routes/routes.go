package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"planningpoker/handlers"
	"planningpoker/middleware"
	"planningpoker/services"
)

func SetupRoutes(
	router *gin.Engine,
	gameHandler *handlers.GameHandler,
	taskHandler *handlers.TaskHandler,
	hub *services.Hub,
	gameService *services.GameService,
) {
	api := router.Group("/api")
	{
		games := api.Group("/games")
		{
			games.POST("", gameHandler.CreateGame)
			games.GET("/:id", gameHandler.GetGame)
			games.POST("/:id/join", gameHandler.JoinGame)
			games.POST("/:id/leave", gameHandler.LeaveGame)
			games.POST("/:id/heartbeat", gameHandler.Heartbeat)
			games.POST("/:id/notify", gameHandler.Notify)
			games.POST("/:id/verify-admin", gameHandler.VerifyAdmin)
			games.POST("/:id/votes", gameHandler.SubmitVote)
		}

		admin := api.Group("/games/:id")
		admin.Use(middleware.AdminAuth(gameService))
		{
			admin.PUT("", gameHandler.ReplaceGame)
			admin.POST("/tasks", taskHandler.AddTask)
			admin.POST("/reveal", taskHandler.RevealVotes)
			admin.POST("/allow-changes", taskHandler.AllowChanges)
			admin.POST("/next", taskHandler.NextQuestion)
			admin.POST("/tasks/:taskId/final-score", taskHandler.SetFinalScore)
			admin.POST("/queue", taskHandler.ManageQueue)
		}
	}

	// Realtime signals. The connection names its session in the join message.
	router.GET("/ws", func(c *gin.Context) {
		if err := hub.ServeWS(c.Writer, c.Request); err != nil {
			log.Warn().Err(err).Str("remote_addr", c.Request.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

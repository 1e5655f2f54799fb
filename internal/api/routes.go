package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler, logger *slog.Logger) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery(logger))
	router.Use(CORS())
	router.Use(Logger(logger))

	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/snapshot", handler.GetSnapshot)
		v1.POST("/refresh", handler.Refresh)
		v1.POST("/status/recalculate", handler.RecalculateStatus)
		v1.GET("/notifications", handler.GetNotifications)

		dismissals := v1.Group("/dismissals/:kind")
		{
			dismissals.DELETE("", handler.RestoreAll)
			dismissals.POST("/:id", handler.Dismiss)
			dismissals.DELETE("/:id", handler.Restore)
		}

		v1.GET("/preferences", handler.GetPreferences)
		v1.PUT("/preferences", handler.UpdatePreferences)

		watched := v1.Group("/watched_projects")
		{
			watched.POST("/:id", handler.WatchProject)
			watched.DELETE("/:id", handler.UnwatchProject)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("", handler.ListAccounts)
			accounts.POST("", handler.AddAccount)
			accounts.POST("/validate", handler.ValidateToken)

			account := accounts.Group("/:id")
			{
				account.PATCH("", handler.UpdateAccount)
				account.DELETE("", handler.RemoveAccount)
				account.PUT("/token", handler.UpdateToken)

				account.GET("/groups", handler.GetGroups)
				account.GET("/groups/:group/projects", handler.GetGroupProjects)

				account.GET("/projects", handler.SearchProjects)
				account.GET("/projects/:project/members", handler.GetProjectMembers)

				mrs := account.Group("/projects/:project/merge_requests/:iid")
				{
					mrs.PUT("/assignees", handler.AssignMergeRequest)
					mrs.PUT("/reviewers", handler.AddReviewers)
					mrs.GET("/notes", handler.GetMergeRequestNotes)
				}
			}
		}
	}

	return router
}

package routes

import (
	"civicsync/controllers"

	"github.com/gin-gonic/gin"
)

// IssueRoutes sets up the issue routes. The feed and analytics reads are
// public. createLimit runs after auth on issue creation only; pass nil to
// disable it.
func IssueRoutes(r *gin.Engine, ic *controllers.IssueController, auth, createLimit gin.HandlerFunc) {
	create := []gin.HandlerFunc{auth}
	if createLimit != nil {
		create = append(create, createLimit)
	}
	create = append(create, ic.CreateIssue)

	issue := r.Group("/api/issue")
	{
		issue.POST("/create", create...)
		issue.GET("", ic.GetAllIssues)
		issue.GET("/recent", ic.RecentIssues)
		issue.GET("/analytics", ic.GetIssueAnalytics)
		issue.GET("/user/:id", ic.GetIssuesByUser)
		issue.GET("/:id", auth, ic.GetIssue)
		issue.POST("/:id/support", auth, ic.SupportIssue)
		issue.PUT("/:id/status", auth, ic.UpdateStatus)
		issue.POST("/:id/comments", auth, ic.AddComment)
	}
}

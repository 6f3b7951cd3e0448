package routes

import (
	"civicsync/controllers"

	"github.com/gin-gonic/gin"
)

// ClusterRoutes sets up the read-only cluster routes used by the map views
func ClusterRoutes(r *gin.Engine, cc *controllers.ClusterController) {
	cluster := r.Group("/api/cluster")
	{
		cluster.GET("/near", cc.GetClustersNear)
		cluster.GET("/top", cc.GetTopClusters)
		cluster.GET("/:id/issues", cc.GetClusterIssues)
		cluster.POST("/within", cc.GetClustersWithin)
	}
}

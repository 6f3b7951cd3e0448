package controllers

import (
	"context"
	"net/http"
	"strconv"

	"civicsync/geo"
	"civicsync/store"

	"github.com/gin-gonic/gin"
)

const (
	defaultNearRadius = 1000.0
	maxNearRadius     = 50_000.0
)

type ClusterController struct {
	engine Engine
}

func NewClusterController(e Engine) *ClusterController {
	return &ClusterController{engine: e}
}

// GetClustersNear lists clusters around lat/lng, most severe first
func (cc *ClusterController) GetClustersNear(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required numbers"})
		return
	}
	radius, err := strconv.ParseFloat(c.DefaultQuery("radius", strconv.FormatFloat(defaultNearRadius, 'f', -1, 64)), 64)
	if err != nil || radius > maxNearRadius {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid radius"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	clusters, err := cc.engine.GetClustersNear(ctx, geo.Point{Lon: lng, Lat: lat}, radius)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "count": len(clusters)})
}

// GetTopClusters ranks clusters by severity, optionally for one category
func (cc *ClusterController) GetTopClusters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	clusters, err := cc.engine.GetTopClusters(ctx, c.Query("category"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "count": len(clusters)})
}

// GetClusterIssues pages through a cluster's members in report order
func (cc *ClusterController) GetClusterIssues(c *gin.Context) {
	clusterID, ok := pathID(c, "cluster")
	if !ok {
		return
	}
	page, limit := pagination(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issues, err := cc.engine.GetIssuesInCluster(ctx, clusterID, store.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "page": page, "limit": limit})
}

// GetClustersWithin returns clusters, and optionally issues, inside a polygon
// given as [[lng, lat], ...].
func (cc *ClusterController) GetClustersWithin(c *gin.Context) {
	var input struct {
		Polygon       [][]float64 `json:"polygon" binding:"required,min=3"`
		IncludeIssues bool        `json:"includeIssues"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	poly := make(geo.Polygon, 0, len(input.Polygon))
	for _, v := range input.Polygon {
		if len(v) != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "polygon vertices must be [lng, lat]"})
			return
		}
		poly = append(poly, geo.Point{Lon: v[0], Lat: v[1]})
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	clusters, err := cc.engine.GetClustersWithin(ctx, poly)
	if err != nil {
		respondError(c, err)
		return
	}
	response := gin.H{"clusters": clusters}

	if input.IncludeIssues {
		page, limit := pagination(c)
		issues, err := cc.engine.GetIssuesWithin(ctx, poly, store.Page{Offset: (page - 1) * limit, Limit: limit})
		if err != nil {
			respondError(c, err)
			return
		}
		response["issues"] = issues
		response["page"] = page
		response["limit"] = limit
	}
	c.JSON(http.StatusOK, response)
}

// pagination reads 1-based page and limit query parameters.
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

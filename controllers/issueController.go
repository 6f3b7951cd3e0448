package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"civicsync/geo"
	"civicsync/middlewares"
	"civicsync/models"
	"civicsync/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const requestTimeout = 10 * time.Second

// Engine is what the HTTP handlers need from the clustering engine.
type Engine interface {
	SubmitIssue(ctx context.Context, reporterID primitive.ObjectID, category string, location geo.Point, description, imageRef string) (primitive.ObjectID, error)
	AddSupport(ctx context.Context, issueID, userID primitive.ObjectID) error
	UpdateStatus(ctx context.Context, issueID primitive.ObjectID, status string) error
	AddComment(ctx context.Context, issueID, userID primitive.ObjectID, content string) (models.Comment, error)
	GetIssue(ctx context.Context, issueID primitive.ObjectID) (*models.Issue, error)
	GetClustersNear(ctx context.Context, p geo.Point, radiusMeters float64) ([]models.Cluster, error)
	GetTopClusters(ctx context.Context, category string, limit int) ([]models.Cluster, error)
	GetIssuesInCluster(ctx context.Context, clusterID primitive.ObjectID, page store.Page) ([]models.Issue, error)
	GetClustersWithin(ctx context.Context, poly geo.Polygon) ([]models.Cluster, error)
	GetIssuesWithin(ctx context.Context, poly geo.Polygon, page store.Page) ([]models.Issue, error)
	ListIssues(ctx context.Context, filter store.IssueFilter, page store.Page) ([]models.Issue, int, error)
	GetRecentIssues(ctx context.Context, limit int) ([]models.Issue, error)
	GetIssueStats(ctx context.Context, days int) (*models.IssueStats, error)
}

const recentIssuesLimit = 19

type IssueController struct {
	engine Engine
}

func NewIssueController(e Engine) *IssueController {
	return &IssueController{engine: e}
}

// CreateIssue handles the creation of a new issue
func (ic *IssueController) CreateIssue(c *gin.Context) {
	reporterID, ok := currentUser(c)
	if !ok {
		return
	}

	var input struct {
		Category    string   `json:"category" binding:"required"`
		Description string   `json:"description" binding:"max=1000"`
		ImageRef    string   `json:"imageRef" binding:"max=2048"`
		Latitude    *float64 `json:"latitude" binding:"required"`
		Longitude   *float64 `json:"longitude" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	location := geo.Point{Lon: *input.Longitude, Lat: *input.Latitude}
	id, err := ic.engine.SubmitIssue(ctx, reporterID, input.Category, location, input.Description, input.ImageRef)
	if err != nil {
		respondError(c, err)
		return
	}

	issue, err := ic.engine.GetIssue(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// GetIssue retrieves an issue by its ID with support information
func (ic *IssueController) GetIssue(c *gin.Context) {
	issueID, ok := pathID(c, "issue")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issue, err := ic.engine.GetIssue(ctx, issueID)
	if err != nil {
		respondError(c, err)
		return
	}

	userHasSupported := false
	if userID, err := primitive.ObjectIDFromHex(c.GetString(middlewares.UserIDKey)); err == nil {
		userHasSupported = issue.HasSupporter(userID)
	}

	c.JSON(http.StatusOK, gin.H{
		"issue":            issue,
		"supporters":       len(issue.Supporters),
		"userHasSupported": userHasSupported,
	})
}

// SupportIssue records the caller's vote. Voting again is accepted and ignored.
func (ic *IssueController) SupportIssue(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	issueID, ok := pathID(c, "issue")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := ic.engine.AddSupport(ctx, issueID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Support recorded"})
}

// UpdateStatus moves an issue through the resolver workflow
func (ic *IssueController) UpdateStatus(c *gin.Context) {
	issueID, ok := pathID(c, "issue")
	if !ok {
		return
	}

	var input struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := ic.engine.UpdateStatus(ctx, issueID, input.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Status updated", "status": input.Status})
}

// AddComment appends the caller's comment to an issue
func (ic *IssueController) AddComment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	issueID, ok := pathID(c, "issue")
	if !ok {
		return
	}

	var input struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	comment, err := ic.engine.AddComment(ctx, issueID, userID, input.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// GetAllIssues handles retrieving all issues with filtering and pagination
func (ic *IssueController) GetAllIssues(c *gin.Context) {
	filter := store.IssueFilter{
		Category: models.IssueCategory(anyValue(c.Query("category"))),
		Status:   models.IssueStatus(anyValue(c.Query("status"))),
		Search:   c.Query("search"),
		Sort:     store.IssueSort(c.DefaultQuery("sort", string(store.Newest))),
	}
	ic.listIssues(c, filter)
}

// GetIssuesByUser retrieves the issues reported by one user, newest first
func (ic *IssueController) GetIssuesByUser(c *gin.Context) {
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	ic.listIssues(c, store.IssueFilter{ReporterID: userID})
}

func (ic *IssueController) listIssues(c *gin.Context, filter store.IssueFilter) {
	page, limit := pagination(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issues, total, err := ic.engine.ListIssues(ctx, filter, store.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"issues":      issues,
		"totalIssues": total,
		"totalPages":  (total + limit - 1) / limit,
		"currentPage": page,
	})
}

// GetIssueAnalytics returns dashboard counters and a daily series of
// reports for the last ?days days (7 by default)
func (ic *IssueController) GetIssueAnalytics(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	stats, err := ic.engine.GetIssueStats(ctx, days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RecentIssues returns the most recent issues for the map view
func (ic *IssueController) RecentIssues(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(recentIssuesLimit)))
	if err != nil || limit < 1 || limit > 100 {
		limit = recentIssuesLimit
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issues, err := ic.engine.GetRecentIssues(ctx, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, issues)
}

// anyValue maps the "all" filter option to no filter.
func anyValue(v string) string {
	if v == "all" {
		return ""
	}
	return v
}

// Package engine is the entry point the HTTP layer calls into: submitting
// issues, support votes, status changes and the cluster queries.
//
// Clustering is best effort. A stored issue is never rejected because its
// assignment failed; it stays unclustered until the recluster loop picks it
// up again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicsync/clustering"
	"civicsync/geo"
	"civicsync/metrics"
	"civicsync/models"
	"civicsync/query"
	"civicsync/store"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxCommentLength bounds a comment's content.
const MaxCommentLength = 1000

// Options configures an Engine.
type Options struct {
	// Categories lists the accepted issue categories. Empty accepts any.
	Categories []models.IssueCategory
	// RetryBatch bounds how many unclustered issues one recluster pass takes.
	RetryBatch int
}

type Engine struct {
	store      store.Store
	registry   *clustering.Registry
	aggregator *clustering.Aggregator
	query      *query.Service
	opts       Options
	log        zerolog.Logger
}

func New(st store.Store, registry *clustering.Registry, aggregator *clustering.Aggregator, q *query.Service, opts Options, log zerolog.Logger) *Engine {
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 500
	}
	return &Engine{
		store:      st,
		registry:   registry,
		aggregator: aggregator,
		query:      q,
		opts:       opts,
		log:        log,
	}
}

// SubmitIssue validates and stores a report, then tries to cluster it.
func (e *Engine) SubmitIssue(ctx context.Context, reporterID primitive.ObjectID, category string, location geo.Point, description, imageRef string) (primitive.ObjectID, error) {
	issue, err := models.NewIssue(models.IssueInput{
		ReporterID:  reporterID,
		Category:    category,
		Latitude:    location.Lat,
		Longitude:   location.Lon,
		Description: description,
		ImageRef:    imageRef,
	}, e.opts.Categories)
	if err != nil {
		return primitive.NilObjectID, err
	}

	id, err := e.store.Issues().Create(ctx, issue)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("store issue: %w", err)
	}
	metrics.IssuesSubmitted.WithLabelValues(string(issue.Category)).Inc()

	c, err := e.aggregator.Assign(ctx, id)
	switch {
	case err == nil:
		e.log.Debug().Str("issue", id.Hex()).Str("cluster", c.ID.Hex()).Int("issues", c.IssueCount).Msg("issue clustered")
	case errors.Is(err, models.ErrIndexCorruption):
		e.log.Error().Err(err).Str("issue", id.Hex()).Msg("cluster index diverged from store; assignment aborted")
	default:
		e.log.Warn().Err(err).Str("issue", id.Hex()).Msg("issue left unclustered")
	}
	return id, nil
}

// AddSupport records userID's vote on an issue. Voting twice is a no-op.
func (e *Engine) AddSupport(ctx context.Context, issueID, userID primitive.ObjectID) error {
	if userID.IsZero() {
		return &models.ValidationError{Field: "userId", Reason: "required"}
	}
	added, err := e.aggregator.Support(ctx, issueID, userID)
	if added && err != nil {
		// The vote is stored; the recluster loop repairs the cluster totals.
		e.log.Warn().Err(err).Str("issue", issueID.Hex()).Msg("cluster severity not refreshed")
		return nil
	}
	return err
}

// UpdateStatus moves an issue through the resolver workflow. Cluster
// membership and severity are left as they are.
func (e *Engine) UpdateStatus(ctx context.Context, issueID primitive.ObjectID, status string) error {
	s := models.IssueStatus(strings.TrimSpace(status))
	if !s.Valid() {
		return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return e.store.Issues().SetStatus(ctx, issueID, s)
}

// AddComment appends a comment to an issue.
func (e *Engine) AddComment(ctx context.Context, issueID, userID primitive.ObjectID, content string) (models.Comment, error) {
	content = strings.TrimSpace(content)
	switch {
	case userID.IsZero():
		return models.Comment{}, &models.ValidationError{Field: "userId", Reason: "required"}
	case content == "":
		return models.Comment{}, &models.ValidationError{Field: "content", Reason: "required"}
	case len(content) > MaxCommentLength:
		return models.Comment{}, &models.ValidationError{Field: "content", Reason: "too long"}
	}

	comment := models.Comment{User: userID, Content: content, CreatedAt: time.Now().UTC()}
	if err := e.store.Issues().AddComment(ctx, issueID, comment); err != nil {
		return models.Comment{}, err
	}
	return comment, nil
}

func (e *Engine) GetIssue(ctx context.Context, issueID primitive.ObjectID) (*models.Issue, error) {
	return e.store.Issues().Get(ctx, issueID)
}

func (e *Engine) GetClustersNear(_ context.Context, p geo.Point, radiusMeters float64) ([]models.Cluster, error) {
	return e.query.ClustersNear(p, radiusMeters)
}

func (e *Engine) GetTopClusters(_ context.Context, category string, limit int) ([]models.Cluster, error) {
	return e.query.TopClusters(models.IssueCategory(strings.TrimSpace(category)), limit)
}

func (e *Engine) GetIssuesInCluster(ctx context.Context, clusterID primitive.ObjectID, page store.Page) ([]models.Issue, error) {
	return e.query.IssuesInCluster(ctx, clusterID, page)
}

func (e *Engine) GetClustersWithin(_ context.Context, poly geo.Polygon) ([]models.Cluster, error) {
	return e.query.ClustersWithin(poly)
}

func (e *Engine) GetIssuesWithin(ctx context.Context, poly geo.Polygon, page store.Page) ([]models.Issue, error) {
	return e.query.IssuesWithin(ctx, poly, page)
}

// ListIssues pages through the issue feed, newest first unless the filter
// says otherwise. The total counts every match, not just the page.
func (e *Engine) ListIssues(ctx context.Context, filter store.IssueFilter, page store.Page) ([]models.Issue, int, error) {
	filter.Category = models.IssueCategory(strings.TrimSpace(string(filter.Category)))
	return e.query.ListIssues(ctx, filter, page)
}

// GetRecentIssues returns the latest reports for the map's activity feed.
func (e *Engine) GetRecentIssues(ctx context.Context, limit int) ([]models.Issue, error) {
	issues, _, err := e.query.ListIssues(ctx, store.IssueFilter{Sort: store.Newest}, store.Page{Limit: limit})
	return issues, err
}

func (e *Engine) GetIssueStats(ctx context.Context, days int) (*models.IssueStats, error) {
	return e.query.IssueStats(ctx, days)
}

// RetryUnclustered gives issues whose assignment failed another try.
func (e *Engine) RetryUnclustered(ctx context.Context) (int, error) {
	return e.aggregator.RetryUnclustered(ctx, e.opts.RetryBatch)
}

// Audit checks the cluster invariants and records the number of violations.
func (e *Engine) Audit(ctx context.Context) ([]clustering.Violation, error) {
	violations, err := clustering.Audit(ctx, e.store.Issues(), e.registry)
	if err != nil {
		return nil, err
	}
	metrics.AuditViolations.Set(float64(len(violations)))
	return violations, nil
}

// RunReclusterLoop retries unclustered issues and audits the clusters every
// interval until ctx is done. Clusters whose totals drifted from their
// members are recomputed.
func (e *Engine) RunReclusterLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reclusterPass(ctx)
		}
	}
}

func (e *Engine) reclusterPass(ctx context.Context) {
	n, err := e.RetryUnclustered(ctx)
	if err != nil && ctx.Err() == nil {
		e.log.Error().Err(err).Msg("recluster pass failed")
	}
	if n > 0 {
		e.log.Info().Int("assigned", n).Msg("recluster pass placed issues")
	}

	violations, err := e.Audit(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error().Err(err).Msg("cluster audit failed")
		}
		return
	}
	refreshed := make(map[primitive.ObjectID]bool)
	for _, v := range violations {
		if v.Kind != clustering.ViolationSupporters && v.Kind != clustering.ViolationCount {
			e.log.Error().Str("kind", v.Kind).Str("cluster", v.ClusterID.Hex()).Msg(v.Detail)
			continue
		}
		e.log.Warn().Str("kind", v.Kind).Str("cluster", v.ClusterID.Hex()).Msg(v.Detail)
		if refreshed[v.ClusterID] {
			continue
		}
		refreshed[v.ClusterID] = true
		if _, err := e.aggregator.RefreshSupport(ctx, v.ClusterID); err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Str("cluster", v.ClusterID.Hex()).Msg("cluster totals not repaired")
		}
	}
}

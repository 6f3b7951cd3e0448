// Package query answers the read side of the map and dashboard views. Nothing
// here mutates issues or clusters; cluster reads come from the registry
// snapshot and may trail an in-flight assignment.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicsync/clustering"
	"civicsync/geo"
	"civicsync/models"
	"civicsync/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxPageSize caps issue listings.
const MaxPageSize = 100

// Bounds of the daily series in IssueStats.
const (
	DefaultStatsDays = 7
	MaxStatsDays     = 90
)

type Service struct {
	issues   store.IssueStore
	registry *clustering.Registry
}

func NewService(issues store.IssueStore, registry *clustering.Registry) *Service {
	return &Service{issues: issues, registry: registry}
}

// ClustersNear returns clusters centred within radiusMeters of p, most
// severe first.
func (s *Service) ClustersNear(p geo.Point, radiusMeters float64) ([]models.Cluster, error) {
	if err := p.Validate(); err != nil {
		return nil, &models.ValidationError{Field: "location", Reason: err.Error()}
	}
	if radiusMeters <= 0 {
		return nil, &models.ValidationError{Field: "radius", Reason: "must be positive"}
	}

	near, err := s.registry.Near(p, radiusMeters)
	if err != nil {
		return nil, err
	}
	out := make([]models.Cluster, len(near))
	for i, c := range near {
		out[i] = c.Cluster
	}
	store.SortBySeverity(out)
	return out, nil
}

// IssuesInCluster lists a cluster's members in the order they were reported.
func (s *Service) IssuesInCluster(ctx context.Context, clusterID primitive.ObjectID, page store.Page) ([]models.Issue, error) {
	if _, err := s.registry.Get(clusterID); err != nil {
		return nil, err
	}
	page, err := clampPage(page)
	if err != nil {
		return nil, err
	}
	issues, err := s.issues.ListByCluster(ctx, clusterID, page)
	if err != nil {
		return nil, fmt.Errorf("list cluster %s: %w", clusterID.Hex(), err)
	}
	return issues, nil
}

// TopClusters ranks clusters by severity. An empty category means all.
func (s *Service) TopClusters(category models.IssueCategory, limit int) ([]models.Cluster, error) {
	if limit < 0 {
		return nil, &models.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	return s.registry.List(category, limit), nil
}

// ClustersWithin returns clusters centred inside poly, most severe first.
func (s *Service) ClustersWithin(poly geo.Polygon) ([]models.Cluster, error) {
	return s.registry.Within(poly)
}

// IssuesWithin lists issues located inside poly in the order they were reported.
func (s *Service) IssuesWithin(ctx context.Context, poly geo.Polygon, page store.Page) ([]models.Issue, error) {
	page, err := clampPage(page)
	if err != nil {
		return nil, err
	}
	return s.issues.ListWithin(ctx, poly, page)
}

// ListIssues pages through the issue feed. Status, sort and search are
// checked here; an unknown category simply matches nothing.
func (s *Service) ListIssues(ctx context.Context, filter store.IssueFilter, page store.Page) ([]models.Issue, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	switch filter.Sort {
	case "", store.Newest, store.Oldest:
	default:
		return nil, 0, &models.ValidationError{Field: "sort", Reason: "must be newest or oldest"}
	}
	filter.Search = strings.TrimSpace(filter.Search)
	if len(filter.Search) > 200 {
		return nil, 0, &models.ValidationError{Field: "search", Reason: "too long"}
	}
	page, err := clampPage(page)
	if err != nil {
		return nil, 0, err
	}
	return s.issues.List(ctx, filter, page)
}

// IssueStats summarises all issues with a daily series covering the last
// days UTC days, today included.
func (s *Service) IssueStats(ctx context.Context, days int) (*models.IssueStats, error) {
	switch {
	case days == 0:
		days = DefaultStatsDays
	case days < 0 || days > MaxStatsDays:
		return nil, &models.ValidationError{Field: "days", Reason: fmt.Sprintf("must be between 1 and %d", MaxStatsDays)}
	}
	now := time.Now().UTC()
	since := now.Truncate(24*time.Hour).AddDate(0, 0, 1-days)
	return s.issues.Stats(ctx, since, now)
}

func clampPage(p store.Page) (store.Page, error) {
	if p.Offset < 0 {
		return p, &models.ValidationError{Field: "page", Reason: "must be positive"}
	}
	if p.Limit < 0 {
		return p, &models.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if p.Limit == 0 || p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p, nil
}

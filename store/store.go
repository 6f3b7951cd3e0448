// Package store persists issues and clusters.
//
// Two backends implement Store: MemoryStore for tests and single-node use, and
// MongoStore, which keeps the `issues` and `clusters` collections behind
// 2dsphere indexes. Clusters are versioned: Save and Apply write Version+1 and
// fail with models.ErrConcurrencyConflict when the stored version moved.
package store

import (
	"context"
	"time"

	"civicsync/geo"
	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Page selects a window of an ordered listing. A zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
}

// ClusterFilter narrows cluster listings. Results are ordered by severity,
// highest first.
type ClusterFilter struct {
	Category models.IssueCategory
	Limit    int
}

// IssueSort orders issue feeds by report time.
type IssueSort string

const (
	Newest IssueSort = "newest"
	Oldest IssueSort = "oldest"
)

// IssueFilter narrows issue feeds. Zero fields match everything.
type IssueFilter struct {
	Category   models.IssueCategory
	Status     models.IssueStatus
	ReporterID primitive.ObjectID
	// Search matches the description, case-insensitively.
	Search string
	// Sort defaults to Newest.
	Sort IssueSort
}

// TopSupportedLimit bounds IssueStats.TopSupported.
const TopSupportedLimit = 5

// IssueStore is the durable record of reported issues. Issues are never deleted.
type IssueStore interface {
	Create(ctx context.Context, issue *models.Issue) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.Issue, error)
	// AddSupporter reports whether userID was newly added.
	AddSupporter(ctx context.Context, id, userID primitive.ObjectID) (bool, error)
	SetClusterID(ctx context.Context, id primitive.ObjectID, clusterID *primitive.ObjectID) error
	SetStatus(ctx context.Context, id primitive.ObjectID, status models.IssueStatus) error
	AddComment(ctx context.Context, id primitive.ObjectID, comment models.Comment) error
	// ListByCluster returns members in insertion order.
	ListByCluster(ctx context.Context, clusterID primitive.ObjectID, page Page) ([]models.Issue, error)
	CountByCluster(ctx context.Context, clusterID primitive.ObjectID) (int, error)
	ListUnclustered(ctx context.Context, limit int) ([]models.Issue, error)
	ListWithin(ctx context.Context, poly geo.Polygon, page Page) ([]models.Issue, error)
	// List returns one page of the filtered feed and the total number of
	// matching issues.
	List(ctx context.Context, filter IssueFilter, page Page) ([]models.Issue, int, error)
	// Stats counts issues by category and status, and per UTC day from since
	// up to and including the day of now.
	Stats(ctx context.Context, since, now time.Time) (*models.IssueStats, error)
}

// ClusterStore is the durable record of clusters.
type ClusterStore interface {
	Get(ctx context.Context, id primitive.ObjectID) (*models.Cluster, error)
	List(ctx context.Context, filter ClusterFilter) ([]models.Cluster, error)
	// Save stores c with Version+1 if the stored version equals c.Version.
	// Version 0 inserts a new cluster.
	Save(ctx context.Context, c models.Cluster) error
	Delete(ctx context.Context, id primitive.ObjectID, version int64) error
}

// Membership points an issue at a cluster, or detaches it when ClusterID is nil.
type Membership struct {
	IssueID   primitive.ObjectID
	ClusterID *primitive.ObjectID
}

// ChangeSet is one clustering decision: every part lands or none does.
type ChangeSet struct {
	Save        []models.Cluster
	Delete      []models.Cluster
	Memberships []Membership
}

// Empty reports whether the change set has nothing to write.
func (cs ChangeSet) Empty() bool {
	return len(cs.Save) == 0 && len(cs.Delete) == 0 && len(cs.Memberships) == 0
}

// Store groups both collections with an atomic multi-record write.
type Store interface {
	Issues() IssueStore
	Clusters() ClusterStore
	Apply(ctx context.Context, cs ChangeSet) error
}

// dailySeries lays counts keyed by YYYY-MM-DD over every UTC day from since
// through now, filling gaps with zero.
func dailySeries(since, now time.Time, counts map[string]int) []models.DayCount {
	day := since.UTC().Truncate(24 * time.Hour)
	last := now.UTC().Truncate(24 * time.Hour)
	out := []models.DayCount{}
	for !day.After(last) {
		key := day.Format("2006-01-02")
		out = append(out, models.DayCount{Date: key, Count: counts[key]})
		day = day.AddDate(0, 0, 1)
	}
	return out
}

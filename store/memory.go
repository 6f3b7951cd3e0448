package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"civicsync/geo"
	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps issues and clusters in process memory behind one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	issues   map[primitive.ObjectID]*models.Issue
	order    []primitive.ObjectID
	clusters map[primitive.ObjectID]models.Cluster
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:   make(map[primitive.ObjectID]*models.Issue),
		clusters: make(map[primitive.ObjectID]models.Cluster),
	}
}

func (s *MemoryStore) Issues() IssueStore     { return memoryIssues{s} }
func (s *MemoryStore) Clusters() ClusterStore { return memoryClusters{s} }

// Apply validates every version and issue id before writing anything.
func (s *MemoryStore) Apply(_ context.Context, cs ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cs.Save {
		if err := s.checkVersionLocked(c.ID, c.Version); err != nil {
			return err
		}
	}
	for _, c := range cs.Delete {
		existing, ok := s.clusters[c.ID]
		if !ok || existing.Version != c.Version {
			return fmt.Errorf("delete cluster %s: %w", c.ID.Hex(), models.ErrConcurrencyConflict)
		}
	}
	for _, m := range cs.Memberships {
		if _, ok := s.issues[m.IssueID]; !ok {
			return fmt.Errorf("issue %s: %w", m.IssueID.Hex(), models.ErrNotFound)
		}
	}

	now := time.Now()
	for _, c := range cs.Save {
		c.Version++
		s.clusters[c.ID] = c
	}
	for _, c := range cs.Delete {
		delete(s.clusters, c.ID)
	}
	for _, m := range cs.Memberships {
		s.setClusterLocked(m.IssueID, m.ClusterID, now)
	}
	return nil
}

func (s *MemoryStore) checkVersionLocked(id primitive.ObjectID, version int64) error {
	existing, ok := s.clusters[id]
	switch {
	case version == 0 && ok:
		return fmt.Errorf("insert cluster %s: already exists: %w", id.Hex(), models.ErrConcurrencyConflict)
	case version != 0 && !ok:
		return fmt.Errorf("save cluster %s: gone: %w", id.Hex(), models.ErrConcurrencyConflict)
	case ok && existing.Version != version:
		return fmt.Errorf("save cluster %s: version %d, stored %d: %w",
			id.Hex(), version, existing.Version, models.ErrConcurrencyConflict)
	}
	return nil
}

func (s *MemoryStore) setClusterLocked(id primitive.ObjectID, clusterID *primitive.ObjectID, now time.Time) {
	issue := s.issues[id]
	if clusterID == nil {
		issue.ClusterID = nil
	} else {
		cid := *clusterID
		issue.ClusterID = &cid
	}
	issue.UpdatedAt = now
}

type memoryIssues struct{ s *MemoryStore }

func (m memoryIssues) Create(_ context.Context, issue *models.Issue) (primitive.ObjectID, error) {
	if issue == nil {
		return primitive.NilObjectID, &models.ValidationError{Field: "issue", Reason: "required"}
	}
	if err := issue.Location.Point().Validate(); err != nil || len(issue.Location.Coordinates) < 2 {
		return primitive.NilObjectID, &models.ValidationError{Field: "location", Reason: "required"}
	}
	if issue.Category == "" {
		return primitive.NilObjectID, &models.ValidationError{Field: "category", Reason: "required"}
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stored := issue.Clone()
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	if _, exists := m.s.issues[stored.ID]; exists {
		return primitive.NilObjectID, &models.ValidationError{Field: "id", Reason: "duplicate"}
	}
	if stored.Status == "" {
		stored.Status = models.Pending
	}
	now := time.Now()
	stored.ClusterID = nil
	stored.ReportedAt = now
	stored.UpdatedAt = now

	m.s.issues[stored.ID] = &stored
	m.s.order = append(m.s.order, stored.ID)

	issue.ID = stored.ID
	issue.ClusterID = nil
	issue.ReportedAt = now
	issue.UpdatedAt = now
	return stored.ID, nil
}

func (m memoryIssues) Get(_ context.Context, id primitive.ObjectID) (*models.Issue, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	issue, ok := m.s.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	cp := issue.Clone()
	return &cp, nil
}

func (m memoryIssues) AddSupporter(_ context.Context, id, userID primitive.ObjectID) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	issue, ok := m.s.issues[id]
	if !ok {
		return false, fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	if issue.HasSupporter(userID) {
		return false, nil
	}
	issue.Supporters = append(issue.Supporters, userID)
	issue.UpdatedAt = time.Now()
	return true, nil
}

func (m memoryIssues) SetClusterID(_ context.Context, id primitive.ObjectID, clusterID *primitive.ObjectID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.issues[id]; !ok {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	m.s.setClusterLocked(id, clusterID, time.Now())
	return nil
}

func (m memoryIssues) SetStatus(_ context.Context, id primitive.ObjectID, status models.IssueStatus) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	issue, ok := m.s.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	if !models.CanTransition(issue.Status, status) {
		return &models.TransitionError{From: issue.Status, To: status}
	}
	if issue.Status == status {
		return nil
	}
	issue.Status = status
	issue.UpdatedAt = time.Now()
	return nil
}

func (m memoryIssues) AddComment(_ context.Context, id primitive.ObjectID, comment models.Comment) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	issue, ok := m.s.issues[id]
	if !ok {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	now := time.Now()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	issue.Comments = append(issue.Comments, comment)
	issue.UpdatedAt = now
	return nil
}

func (m memoryIssues) ListByCluster(_ context.Context, clusterID primitive.ObjectID, page Page) ([]models.Issue, error) {
	return m.list(page, func(i *models.Issue) bool {
		return i.ClusterID != nil && *i.ClusterID == clusterID
	}), nil
}

func (m memoryIssues) CountByCluster(ctx context.Context, clusterID primitive.ObjectID) (int, error) {
	members, err := m.ListByCluster(ctx, clusterID, Page{})
	return len(members), err
}

func (m memoryIssues) ListUnclustered(_ context.Context, limit int) ([]models.Issue, error) {
	return m.list(Page{Limit: limit}, func(i *models.Issue) bool {
		return i.ClusterID == nil
	}), nil
}

func (m memoryIssues) ListWithin(_ context.Context, poly geo.Polygon, page Page) ([]models.Issue, error) {
	match, err := poly.Matcher()
	if err != nil {
		return nil, &models.ValidationError{Field: "polygon", Reason: err.Error()}
	}
	return m.list(page, func(i *models.Issue) bool {
		return match(i.Location.Point())
	}), nil
}

func (m memoryIssues) List(_ context.Context, filter IssueFilter, page Page) ([]models.Issue, int, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	keep := func(i *models.Issue) bool {
		switch {
		case filter.Category != "" && i.Category != filter.Category:
			return false
		case filter.Status != "" && i.Status != filter.Status:
			return false
		case !filter.ReporterID.IsZero() && i.ReporterID != filter.ReporterID:
			return false
		case search != "" && !strings.Contains(strings.ToLower(i.Description), search):
			return false
		}
		return true
	}

	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	var matched []*models.Issue
	for _, id := range m.s.order {
		if issue := m.s.issues[id]; keep(issue) {
			matched = append(matched, issue)
		}
	}
	if filter.Sort != Oldest {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	out := []models.Issue{}
	for i := page.Offset; i < len(matched); i++ {
		if page.Limit > 0 && len(out) == page.Limit {
			break
		}
		out = append(out, matched[i].Clone())
	}
	return out, len(matched), nil
}

func (m memoryIssues) Stats(_ context.Context, since, now time.Time) (*models.IssueStats, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	stats := &models.IssueStats{IssuesByCategory: []models.CategoryCount{}, IssuesByStatus: map[models.IssueStatus]int{}}
	byCategory := map[models.IssueCategory]int{}
	byDay := map[string]int{}
	all := make([]*models.Issue, 0, len(m.s.order))
	for _, id := range m.s.order {
		issue := m.s.issues[id]
		all = append(all, issue)

		stats.TotalIssues++
		stats.TotalSupport += len(issue.Supporters)
		byCategory[issue.Category]++
		stats.IssuesByStatus[issue.Status]++
		if issue.Status.Open() {
			stats.OpenIssues++
		}
		if !issue.ReportedAt.Before(since) {
			byDay[issue.ReportedAt.UTC().Format("2006-01-02")]++
		}
	}

	for name, n := range byCategory {
		stats.IssuesByCategory = append(stats.IssuesByCategory, models.CategoryCount{Name: name, Value: n})
	}
	sortCategoryCounts(stats.IssuesByCategory)
	stats.Daily = dailySeries(since, now, byDay)

	// Newest first among equals, as the feed shows them.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.SliceStable(all, func(i, j int) bool {
		return len(all[i].Supporters) > len(all[j].Supporters)
	})
	stats.TopSupported = []models.Issue{}
	for i := 0; i < len(all) && i < TopSupportedLimit; i++ {
		stats.TopSupported = append(stats.TopSupported, all[i].Clone())
	}
	return stats, nil
}

// list walks issues in insertion order.
func (m memoryIssues) list(page Page, keep func(*models.Issue) bool) []models.Issue {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := []models.Issue{}
	skipped := 0
	for _, id := range m.s.order {
		issue := m.s.issues[id]
		if !keep(issue) {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		out = append(out, issue.Clone())
		if page.Limit > 0 && len(out) == page.Limit {
			break
		}
	}
	return out
}

type memoryClusters struct{ s *MemoryStore }

func (m memoryClusters) Get(_ context.Context, id primitive.ObjectID) (*models.Cluster, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	c, ok := m.s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id.Hex(), models.ErrNotFound)
	}
	return &c, nil
}

func (m memoryClusters) List(_ context.Context, filter ClusterFilter) ([]models.Cluster, error) {
	m.s.mu.RLock()
	out := make([]models.Cluster, 0, len(m.s.clusters))
	for _, c := range m.s.clusters {
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		out = append(out, c)
	}
	m.s.mu.RUnlock()

	SortBySeverity(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m memoryClusters) Save(ctx context.Context, c models.Cluster) error {
	return m.s.Apply(ctx, ChangeSet{Save: []models.Cluster{c}})
}

func (m memoryClusters) Delete(ctx context.Context, id primitive.ObjectID, version int64) error {
	return m.s.Apply(ctx, ChangeSet{Delete: []models.Cluster{{ID: id, Version: version}}})
}

// SortBySeverity orders clusters by severity, highest first, then by id.
func SortBySeverity(clusters []models.Cluster) {
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Severity != clusters[j].Severity {
			return clusters[i].Severity > clusters[j].Severity
		}
		return clusters[i].ID.Hex() < clusters[j].ID.Hex()
	})
}

// sortCategoryCounts orders buckets by count, highest first, then by name.
func sortCategoryCounts(counts []models.CategoryCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Value != counts[j].Value {
			return counts[i].Value > counts[j].Value
		}
		return counts[i].Name < counts[j].Name
	})
}

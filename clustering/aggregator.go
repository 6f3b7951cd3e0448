// Package clustering keeps Cluster aggregates in step with the issues that
// belong to them.
//
// Every decision is computed as a store.ChangeSet under region and cluster
// locks and committed through the Registry, which applies it to the durable
// store and the spatial index as one unit. Nothing partial is ever visible:
// an issue either points at a cluster whose count includes it, or at nothing.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicsync/geo"
	"civicsync/metrics"
	"civicsync/models"
	"civicsync/store"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNoValidAssignment is returned when clusters exist nearby but joining any
// of them would leave a member outside the aggregation radius of the new
// centre. The issue stays unclustered and is retried later.
var ErrNoValidAssignment = errors.New("no cluster can take the issue")

// errPlanRejected marks a candidate whose resulting cluster breaks containment.
var errPlanRejected = errors.New("plan breaks radius containment")

// Config tunes the aggregator.
type Config struct {
	// MaxAttempts bounds retries on ErrConcurrencyConflict. Default 5.
	MaxAttempts int
	// RetryBackoff is the first pause between attempts; it doubles each time.
	// Default 5ms.
	RetryBackoff time.Duration
}

// Aggregator assigns issues to clusters and keeps cluster aggregates current.
type Aggregator struct {
	issues   store.IssueStore
	registry *Registry
	locks    Locker
	cfg      Config
	level    int
	log      zerolog.Logger
}

func NewAggregator(issues store.IssueStore, registry *Registry, locks Locker, cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	return &Aggregator{
		issues:   issues,
		registry: registry,
		locks:    locks,
		cfg:      cfg,
		level:    geo.LevelForRadius(registry.Radius()),
		log:      log,
	}
}

// Assign puts the issue into the nearest same-category cluster within the
// aggregation radius, merging clusters whose centres drift together, or
// creates a new cluster for it. An issue that already has a cluster is left
// where it is.
func (a *Aggregator) Assign(ctx context.Context, issueID primitive.ObjectID) (*models.Cluster, error) {
	start := time.Now()
	defer func() { metrics.AssignDuration.Observe(time.Since(start).Seconds()) }()

	var c *models.Cluster
	err := a.retry(ctx, func() error {
		var err error
		c, err = a.assignOnce(ctx, issueID)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrNoValidAssignment):
		metrics.Assignments.WithLabelValues("unclustered").Inc()
	case errors.Is(err, models.ErrIndexCorruption):
		metrics.IndexCorruptions.Inc()
		metrics.Assignments.WithLabelValues("failed").Inc()
	default:
		metrics.Assignments.WithLabelValues("failed").Inc()
	}
	return c, err
}

// RefreshSupport recomputes a cluster's issue count, supporter total and
// severity from its members. It writes only when something drifted.
func (a *Aggregator) RefreshSupport(ctx context.Context, clusterID primitive.ObjectID) (*models.Cluster, error) {
	var c *models.Cluster
	err := a.retry(ctx, func() error {
		var err error
		c, err = a.refreshOnce(ctx, clusterID)
		return err
	})
	return c, err
}

// Support records userID's vote on an issue and folds it into the issue's
// cluster. It reports whether the vote was new. The vote is written under the
// issue's region locks, so an assignment in flight either sees it or has
// committed before it; a merge that absorbs the cluster meanwhile is followed
// to the survivor.
func (a *Aggregator) Support(ctx context.Context, issueID, userID primitive.ObjectID) (bool, error) {
	issue, err := a.issues.Get(ctx, issueID)
	if err != nil {
		return false, err
	}
	unlock, err := a.locks.Lock(ctx, a.regionKeys(issue.Category, issue.Location.Point())...)
	if err != nil {
		return false, fmt.Errorf("lock region: %w", err)
	}
	defer unlock()

	added, err := a.issues.AddSupporter(ctx, issueID, userID)
	if err != nil || !added {
		return false, err
	}
	return true, a.refreshIssueCluster(ctx, issueID)
}

// refreshIssueCluster recomputes the aggregates of whatever cluster the issue
// belongs to now, chasing it through merges.
func (a *Aggregator) refreshIssueCluster(ctx context.Context, issueID primitive.ObjectID) error {
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		issue, err := a.issues.Get(ctx, issueID)
		if err != nil {
			return err
		}
		if issue.ClusterID == nil {
			return nil
		}
		_, err = a.RefreshSupport(ctx, *issue.ClusterID)
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	return fmt.Errorf("issue %s kept changing cluster: %w", issueID.Hex(), models.ErrConcurrencyConflict)
}

// RetryUnclustered runs Assign for up to limit issues that have no cluster
// and reports how many were placed. It stops early only on index corruption
// or a cancelled context.
func (a *Aggregator) RetryUnclustered(ctx context.Context, limit int) (int, error) {
	pending, err := a.issues.ListUnclustered(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unclustered issues: %w", err)
	}

	assigned := 0
	for _, issue := range pending {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		_, err := a.Assign(ctx, issue.ID)
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, models.ErrIndexCorruption):
			return assigned, err
		default:
			a.log.Debug().Err(err).Str("issue", issue.ID.Hex()).Msg("issue still unclustered")
		}
	}
	return assigned, nil
}

func (a *Aggregator) retry(ctx context.Context, op func() error) error {
	backoff := a.cfg.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, models.ErrConcurrencyConflict) {
			return err
		}
		metrics.Conflicts.Inc()
		if attempt >= a.cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		a.log.Debug().Err(err).Int("attempt", attempt).Msg("cluster conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (a *Aggregator) assignOnce(ctx context.Context, issueID primitive.ObjectID) (*models.Cluster, error) {
	issue, err := a.issues.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.ClusterID != nil {
		return a.current(issue)
	}

	loc := issue.Location.Point()
	unlock, err := a.locks.Lock(ctx, a.regionKeys(issue.Category, loc)...)
	if err != nil {
		return nil, fmt.Errorf("lock region: %w", err)
	}
	defer unlock()

	// Another assignment of the same issue may have finished while we waited.
	issue, err = a.issues.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.ClusterID != nil {
		return a.current(issue)
	}

	near, err := a.registry.Near(loc, a.registry.Radius())
	if err != nil {
		return nil, err
	}
	candidates := sameCategory(near, issue.Category, nil)
	if len(candidates) == 0 {
		return a.create(ctx, issue)
	}

	for _, cand := range candidates {
		c, err := a.join(ctx, issue, cand.Cluster.ID)
		if errors.Is(err, errPlanRejected) {
			a.log.Debug().Str("issue", issue.ID.Hex()).Str("cluster", cand.Cluster.ID.Hex()).Msg("candidate rejected")
			continue
		}
		return c, err
	}
	return nil, fmt.Errorf("issue %s: %w", issue.ID.Hex(), ErrNoValidAssignment)
}

func (a *Aggregator) current(issue *models.Issue) (*models.Cluster, error) {
	c, err := a.registry.Get(*issue.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("issue %s points at unknown cluster %s: %w",
			issue.ID.Hex(), issue.ClusterID.Hex(), models.ErrIndexCorruption)
	}
	return &c, nil
}

func (a *Aggregator) create(ctx context.Context, issue *models.Issue) (*models.Cluster, error) {
	now := time.Now().UTC()
	c := models.Cluster{
		ID:             primitive.NewObjectID(),
		Center:         models.NewGeoPoint(issue.Location.Point()),
		Category:       issue.Category,
		IssueCount:     1,
		SupporterCount: len(issue.Supporters),
		Severity:       Severity(1, len(issue.Supporters)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	cs := store.ChangeSet{
		Save:        []models.Cluster{c},
		Memberships: []store.Membership{{IssueID: issue.ID, ClusterID: &c.ID}},
	}
	if err := a.registry.Commit(ctx, cs); err != nil {
		return nil, err
	}

	c.Version = 1
	metrics.ClustersCreated.Inc()
	metrics.Assignments.WithLabelValues("created").Inc()
	a.log.Debug().Str("issue", issue.ID.Hex()).Str("cluster", c.ID.Hex()).Msg("cluster created")
	return &c, nil
}

// join adds issue to the target cluster and absorbs every same-category
// cluster the moved centre comes within radius of.
func (a *Aggregator) join(ctx context.Context, issue *models.Issue, targetID primitive.ObjectID) (*models.Cluster, error) {
	unlock, err := a.locks.Lock(ctx, clusterKey(targetID))
	if err != nil {
		return nil, fmt.Errorf("lock cluster: %w", err)
	}
	defer unlock()

	target, err := a.registry.Get(targetID)
	if err != nil {
		return nil, fmt.Errorf("cluster %s vanished: %w", targetID.Hex(), models.ErrConcurrencyConflict)
	}
	members, err := a.members(ctx, target.ID)
	if err != nil {
		return nil, err
	}

	p := &plan{radius: a.registry.Radius()}
	p.add(target, members)
	p.addIssue(*issue)

	for {
		p.recompute()
		near, err := a.registry.Near(p.center, p.radius)
		if err != nil {
			return nil, err
		}
		neighbours := sameCategory(near, issue.Category, p.involved())
		if len(neighbours) == 0 {
			break
		}

		id := neighbours[0].Cluster.ID
		unlockN, ok, err := a.locks.TryLock(ctx, clusterKey(id))
		if err != nil {
			return nil, fmt.Errorf("lock cluster: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("merge partner %s busy: %w", id.Hex(), models.ErrConcurrencyConflict)
		}
		defer unlockN()

		neighbour, err := a.registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("cluster %s vanished: %w", id.Hex(), models.ErrConcurrencyConflict)
		}
		nm, err := a.members(ctx, id)
		if err != nil {
			return nil, err
		}
		p.add(neighbour, nm)
	}

	if !p.contained() {
		return nil, errPlanRejected
	}

	cs, survivor := p.changeSet(time.Now().UTC())
	if err := a.registry.Commit(ctx, cs); err != nil {
		return nil, err
	}

	survivor.Version++
	if merged := len(cs.Delete); merged > 0 {
		metrics.ClustersMerged.Add(float64(merged))
		a.log.Info().Str("cluster", survivor.ID.Hex()).Int("absorbed", merged).
			Int("issues", survivor.IssueCount).Msg("clusters merged")
	}
	metrics.Assignments.WithLabelValues("joined").Inc()
	return &survivor, nil
}

func (a *Aggregator) refreshOnce(ctx context.Context, clusterID primitive.ObjectID) (*models.Cluster, error) {
	unlock, err := a.locks.Lock(ctx, clusterKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("lock cluster: %w", err)
	}
	defer unlock()

	c, err := a.registry.Get(clusterID)
	if err != nil {
		return nil, err
	}
	members, err := a.members(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	supporters := 0
	for _, m := range members {
		supporters += len(m.Supporters)
	}
	if supporters == c.SupporterCount && len(members) == c.IssueCount {
		return &c, nil
	}

	c.IssueCount = len(members)
	c.SupporterCount = supporters
	c.Severity = Severity(c.IssueCount, supporters)
	c.UpdatedAt = time.Now().UTC()
	if err := a.registry.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); err != nil {
		return nil, err
	}
	c.Version++
	return &c, nil
}

func (a *Aggregator) members(ctx context.Context, clusterID primitive.ObjectID) ([]models.Issue, error) {
	members, err := a.issues.ListByCluster(ctx, clusterID, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", clusterID.Hex(), err)
	}
	return members, nil
}

// regionKeys names the cells an issue's aggregation cap touches. Two issues
// within the radius of each other always share at least one key, so their
// create-or-join decisions are serialised.
func (a *Aggregator) regionKeys(category models.IssueCategory, p geo.Point) []string {
	cells := geo.CoveringCells(p, a.registry.Radius(), a.level)
	keys := make([]string, len(cells))
	for i, tok := range cells {
		keys[i] = fmt.Sprintf("region:%s:%s", category, tok)
	}
	return keys
}

func clusterKey(id primitive.ObjectID) string {
	return "cluster:" + id.Hex()
}

func sameCategory(cands []Candidate, category models.IssueCategory, skip map[primitive.ObjectID]bool) []Candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if c.Cluster.Category == category && !skip[c.Cluster.ID] {
			out = append(out, c)
		}
	}
	return out
}

// plan is the cluster a join produces: the clusters it touches and the union
// of their members.
type plan struct {
	radius   float64
	clusters []models.Cluster
	members  []models.Issue
	center   geo.Point
}

func (p *plan) add(c models.Cluster, members []models.Issue) {
	p.clusters = append(p.clusters, c)
	p.members = append(p.members, members...)
}

func (p *plan) addIssue(issue models.Issue) {
	p.members = append(p.members, issue)
}

func (p *plan) survivor() models.Cluster {
	best := p.clusters[0]
	for _, c := range p.clusters[1:] {
		if idLess(c.ID, best.ID) {
			best = c
		}
	}
	return best
}

func (p *plan) involved() map[primitive.ObjectID]bool {
	ids := make(map[primitive.ObjectID]bool, len(p.clusters))
	for _, c := range p.clusters {
		ids[c.ID] = true
	}
	return ids
}

// recompute moves the centre to the members' centroid, projected around the
// survivor's previous centre.
func (p *plan) recompute() {
	points := make([]geo.Point, len(p.members))
	for i, m := range p.members {
		points[i] = m.Location.Point()
	}
	p.center = geo.Centroid(p.survivor().Center.Point(), points)
}

func (p *plan) contained() bool {
	for _, m := range p.members {
		if geo.Distance(p.center, m.Location.Point()) > p.radius {
			return false
		}
	}
	return true
}

func (p *plan) changeSet(now time.Time) (store.ChangeSet, models.Cluster) {
	survivor := p.survivor()

	supporters := 0
	for _, m := range p.members {
		supporters += len(m.Supporters)
	}
	survivor.Center = models.NewGeoPoint(p.center)
	survivor.IssueCount = len(p.members)
	survivor.SupporterCount = supporters
	survivor.Severity = Severity(survivor.IssueCount, supporters)
	survivor.UpdatedAt = now

	cs := store.ChangeSet{Save: []models.Cluster{survivor}}
	for _, c := range p.clusters {
		if c.ID != survivor.ID {
			cs.Delete = append(cs.Delete, c)
		}
	}
	id := survivor.ID
	for _, m := range p.members {
		if m.ClusterID == nil || *m.ClusterID != id {
			cs.Memberships = append(cs.Memberships, store.Membership{IssueID: m.ID, ClusterID: &id})
		}
	}
	return cs, survivor
}

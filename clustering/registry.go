package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"civicsync/geo"
	"civicsync/models"
	"civicsync/store"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Candidate is a cluster found by a proximity query, with its centre's
// distance from the query point.
type Candidate struct {
	Cluster  models.Cluster
	Distance float64
}

// Registry mirrors the durable cluster collection in memory together with a
// spatial index over cluster centres. Writes go through Commit, which updates
// the durable store first and the index only once the store accepted the
// change, so the two never diverge on a failed write.
type Registry struct {
	commitMu sync.Mutex // serialises Commit, Load and refresh

	mu       sync.RWMutex
	clusters map[primitive.ObjectID]models.Cluster
	index    *geo.Index

	store  store.Store
	radius float64
	log    zerolog.Logger
}

// NewRegistry builds an empty registry. Call Load to fill it from the store.
func NewRegistry(st store.Store, radiusMeters float64, log zerolog.Logger) *Registry {
	return &Registry{
		clusters: make(map[primitive.ObjectID]models.Cluster),
		index:    geo.NewIndex(geo.LevelForRadius(radiusMeters)),
		store:    st,
		radius:   radiusMeters,
		log:      log,
	}
}

// Radius returns the aggregation radius in meters.
func (r *Registry) Radius() float64 {
	return r.radius
}

// Load replaces the in-memory view with the durable cluster collection.
func (r *Registry) Load(ctx context.Context) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	all, err := r.store.Clusters().List(ctx, store.ClusterFilter{})
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}

	clusters := make(map[primitive.ObjectID]models.Cluster, len(all))
	index := geo.NewIndex(r.index.Level())
	for _, c := range all {
		clusters[c.ID] = c
		index.Insert(c.ID.Hex(), c.Center.Point())
	}

	r.mu.Lock()
	r.clusters = clusters
	r.index = index
	r.mu.Unlock()

	r.log.Info().Int("clusters", len(all)).Msg("cluster registry loaded")
	return nil
}

// Get returns a copy of the cluster.
func (r *Registry) Get(id primitive.ObjectID) (models.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[id]
	if !ok {
		return models.Cluster{}, fmt.Errorf("cluster %s: %w", id.Hex(), models.ErrNotFound)
	}
	return c, nil
}

// Len returns the number of live clusters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clusters)
}

// List returns clusters ordered by severity, optionally filtered by category.
// A limit of zero returns all of them.
func (r *Registry) List(category models.IssueCategory, limit int) []models.Cluster {
	r.mu.RLock()
	out := make([]models.Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		if category == "" || c.Category == category {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	store.SortBySeverity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Near returns clusters whose centre is within radiusMeters of p, nearest
// first, lowest id first on equal distance. An indexed centre with no cached
// cluster behind it is reported as ErrIndexCorruption.
func (r *Registry) Near(p geo.Point, radiusMeters float64) ([]Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nearLocked(p, radiusMeters)
}

func (r *Registry) nearLocked(p geo.Point, radiusMeters float64) ([]Candidate, error) {
	ids := r.index.QueryRadius(p, radiusMeters)
	out := make([]Candidate, 0, len(ids))
	for _, hex := range ids {
		c, err := r.lookupLocked(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Cluster: c, Distance: geo.Distance(p, c.Center.Point())})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return idLess(out[i].Cluster.ID, out[j].Cluster.ID)
	})
	return out, nil
}

func (r *Registry) lookupLocked(hex string) (models.Cluster, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return models.Cluster{}, fmt.Errorf("index entry %q: %w", hex, models.ErrIndexCorruption)
	}
	c, ok := r.clusters[id]
	if !ok {
		return models.Cluster{}, fmt.Errorf("indexed cluster %s not cached: %w", hex, models.ErrIndexCorruption)
	}
	return c, nil
}

// Within returns the clusters whose centre lies inside poly, by severity.
func (r *Registry) Within(poly geo.Polygon) ([]models.Cluster, error) {
	r.mu.RLock()
	ids, err := r.index.QueryPolygon(poly)
	if err != nil {
		r.mu.RUnlock()
		return nil, &models.ValidationError{Field: "polygon", Reason: err.Error()}
	}
	out := make([]models.Cluster, 0, len(ids))
	for _, hex := range ids {
		c, err := r.lookupLocked(hex)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		out = append(out, c)
	}
	r.mu.RUnlock()

	store.SortBySeverity(out)
	return out, nil
}

// Verify checks that every cached cluster is indexed at its centre and that
// the index holds nothing else.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.index.Len() != len(r.clusters) {
		return fmt.Errorf("index holds %d points for %d clusters: %w",
			r.index.Len(), len(r.clusters), models.ErrIndexCorruption)
	}
	for id, c := range r.clusters {
		p, ok := r.index.Get(id.Hex())
		if !ok {
			return fmt.Errorf("cluster %s missing from index: %w", id.Hex(), models.ErrIndexCorruption)
		}
		if p != c.Center.Point() {
			return fmt.Errorf("cluster %s indexed away from its centre: %w", id.Hex(), models.ErrIndexCorruption)
		}
	}
	return nil
}

// Commit validates cs against the current view, writes it to the durable
// store and mirrors it into the index. It fails with ErrConcurrencyConflict
// when a cluster changed since it was read or when a saved centre would sit
// within the aggregation radius of another cluster of its category, and with
// ErrIndexCorruption when the index and the cached clusters disagree.
func (r *Registry) Commit(ctx context.Context, cs store.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := r.validate(cs); err != nil {
		return err
	}

	if err := r.store.Apply(ctx, cs); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			r.refresh(ctx, cs)
		}
		return fmt.Errorf("apply cluster changes: %w", err)
	}

	r.mu.Lock()
	for _, c := range cs.Delete {
		delete(r.clusters, c.ID)
		r.index.Remove(c.ID.Hex())
	}
	for _, c := range cs.Save {
		c.Version++
		r.clusters[c.ID] = c
		r.index.Insert(c.ID.Hex(), c.Center.Point())
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) validate(cs store.ChangeSet) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	touched := make(map[primitive.ObjectID]bool, len(cs.Save)+len(cs.Delete))
	for _, c := range cs.Save {
		touched[c.ID] = true
	}
	for _, c := range cs.Delete {
		touched[c.ID] = true
	}

	check := func(c models.Cluster, mustExist bool) error {
		cached, inCache := r.clusters[c.ID]
		_, inIndex := r.index.Get(c.ID.Hex())
		if inCache != inIndex {
			return fmt.Errorf("cluster %s cached=%v indexed=%v: %w", c.ID.Hex(), inCache, inIndex, models.ErrIndexCorruption)
		}
		switch {
		case !mustExist && inCache:
			return fmt.Errorf("cluster %s already exists: %w", c.ID.Hex(), models.ErrConcurrencyConflict)
		case mustExist && !inCache:
			return fmt.Errorf("cluster %s is gone: %w", c.ID.Hex(), models.ErrConcurrencyConflict)
		case mustExist && cached.Version != c.Version:
			return fmt.Errorf("cluster %s at version %d, have %d: %w",
				c.ID.Hex(), cached.Version, c.Version, models.ErrConcurrencyConflict)
		}
		return nil
	}

	for _, c := range cs.Save {
		if err := check(c, c.Version != 0); err != nil {
			return err
		}
		near, err := r.nearLocked(c.Center.Point(), r.radius)
		if err != nil {
			return err
		}
		for _, other := range near {
			if touched[other.Cluster.ID] || other.Cluster.Category != c.Category {
				continue
			}
			return fmt.Errorf("cluster %s would sit %.1fm from %s: %w",
				c.ID.Hex(), other.Distance, other.Cluster.ID.Hex(), models.ErrConcurrencyConflict)
		}
	}
	for _, c := range cs.Delete {
		if err := check(c, true); err != nil {
			return err
		}
	}
	return nil
}

// refresh reloads the clusters a rejected change set touched, so the next
// attempt plans against what the durable store holds. Used when another
// instance wrote the same clusters.
func (r *Registry) refresh(ctx context.Context, cs store.ChangeSet) {
	ids := make([]primitive.ObjectID, 0, len(cs.Save)+len(cs.Delete))
	for _, c := range cs.Save {
		ids = append(ids, c.ID)
	}
	for _, c := range cs.Delete {
		ids = append(ids, c.ID)
	}

	for _, id := range ids {
		c, err := r.store.Clusters().Get(ctx, id)
		switch {
		case errors.Is(err, models.ErrNotFound):
			r.mu.Lock()
			delete(r.clusters, id)
			r.index.Remove(id.Hex())
			r.mu.Unlock()
		case err != nil:
			r.log.Warn().Err(err).Str("cluster", id.Hex()).Msg("refresh after conflict failed")
		default:
			r.mu.Lock()
			r.clusters[id] = *c
			r.index.Insert(id.Hex(), c.Center.Point())
			r.mu.Unlock()
		}
	}
}

func idLess(a, b primitive.ObjectID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

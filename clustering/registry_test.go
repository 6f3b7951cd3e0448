package clustering

import (
	"context"
	"errors"
	"testing"

	"civicsync/geo"
	"civicsync/logging"
	"civicsync/models"
	"civicsync/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func newCluster(category models.IssueCategory, p geo.Point, count int) models.Cluster {
	return models.Cluster{
		ID:         primitive.NewObjectID(),
		Center:     models.NewGeoPoint(p),
		Category:   category,
		IssueCount: count,
		Severity:   Severity(count, 0),
	}
}

func TestRegistry_LoadMirrorsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()

	a := newCluster(models.Water, pointA, 1)
	b := newCluster(models.Road, north(pointA, 1000), 3)
	for _, c := range []models.Cluster{a, b} {
		if err := st.Clusters().Save(ctx, c); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	reg := NewRegistry(st, testRadius, logging.Nop())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	if err := reg.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}

	near, err := reg.Near(pointA, 50)
	if err != nil {
		t.Fatalf("Near: %v", err)
	}
	if len(near) != 1 || near[0].Cluster.ID != a.ID || near[0].Distance != 0 {
		t.Errorf("Near = %+v", near)
	}

	got, err := reg.Get(b.ID)
	if err != nil || got.Version != 1 {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := reg.Get(primitive.NewObjectID()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get(unknown) err = %v", err)
	}
}

func TestRegistry_NearOrdersByDistanceThenID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(), testRadius, logging.Nop())

	far := newCluster(models.Water, north(pointA, 150), 1)
	close1 := newCluster(models.Road, east(pointA, 10), 1)
	close2 := newCluster(models.Other, east(pointA, 10), 1)
	for _, c := range []models.Cluster{far, close2, close1} {
		if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	near, err := reg.Near(pointA, 500)
	if err != nil {
		t.Fatalf("Near: %v", err)
	}
	if len(near) != 3 {
		t.Fatalf("Near returned %d clusters", len(near))
	}
	if near[0].Cluster.ID != close1.ID || near[1].Cluster.ID != close2.ID || near[2].Cluster.ID != far.ID {
		t.Errorf("Near order = %s %s %s", near[0].Cluster.ID.Hex(), near[1].Cluster.ID.Hex(), near[2].Cluster.ID.Hex())
	}
}

func TestRegistry_CommitRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testRadius, logging.Nop())

	c := newCluster(models.Water, pointA, 1)
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); !errors.Is(err, models.ErrConcurrencyConflict) {
		t.Errorf("second insert err = %v, want conflict", err)
	}

	current, _ := reg.Get(c.ID)
	stale := current
	current.IssueCount = 2
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{current}}); err != nil {
		t.Fatalf("Commit update: %v", err)
	}
	stale.IssueCount = 5
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{stale}}); !errors.Is(err, models.ErrConcurrencyConflict) {
		t.Errorf("stale update err = %v, want conflict", err)
	}

	got, _ := st.Clusters().Get(ctx, c.ID)
	if got.IssueCount != 2 || got.Version != 2 {
		t.Errorf("stored = %+v", got)
	}
}

func TestRegistry_CommitKeepsSameCategoryApart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(), testRadius, logging.Nop())

	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{newCluster(models.Water, pointA, 1)}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tooClose := newCluster(models.Water, north(pointA, 150), 1)
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{tooClose}}); !errors.Is(err, models.ErrConcurrencyConflict) {
		t.Errorf("overlapping cluster err = %v, want conflict", err)
	}
	otherCategory := newCluster(models.Road, north(pointA, 150), 1)
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{otherCategory}}); err != nil {
		t.Errorf("other category: %v", err)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
}

func TestRegistry_FailedStoreWriteLeavesIndexAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testRadius, logging.Nop())

	c := newCluster(models.Water, pointA, 1)
	ghost := primitive.NewObjectID()
	err := reg.Commit(ctx, store.ChangeSet{
		Save:        []models.Cluster{c},
		Memberships: []store.Membership{{IssueID: ghost, ClusterID: &c.ID}},
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Commit err = %v, want ErrNotFound", err)
	}
	if reg.Len() != 0 {
		t.Error("cluster registered despite failed write")
	}
	if _, err := st.Clusters().Get(ctx, c.ID); !errors.Is(err, models.ErrNotFound) {
		t.Error("cluster stored despite failed write")
	}
}

func TestRegistry_RefreshAfterStoreConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testRadius, logging.Nop())

	c := newCluster(models.Water, pointA, 1)
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Another instance moves the cluster behind our back.
	current, _ := st.Clusters().Get(ctx, c.ID)
	current.Center = models.NewGeoPoint(east(pointA, 30))
	current.IssueCount = 4
	if err := st.Clusters().Save(ctx, *current); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mine, _ := reg.Get(c.ID)
	mine.IssueCount = 2
	if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{mine}}); !errors.Is(err, models.ErrConcurrencyConflict) {
		t.Fatalf("Commit err = %v, want conflict", err)
	}

	got, _ := reg.Get(c.ID)
	if got.IssueCount != 4 || got.Version != 2 {
		t.Errorf("registry after refresh = %+v", got)
	}
	if err := reg.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestRegistry_ListAndWithin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(), testRadius, logging.Nop())

	low := newCluster(models.Water, pointA, 1)
	high := newCluster(models.Water, north(pointA, 1000), 9)
	road := newCluster(models.Road, north(pointA, 5000), 4)
	for _, c := range []models.Cluster{low, high, road} {
		if err := reg.Commit(ctx, store.ChangeSet{Save: []models.Cluster{c}}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	all := reg.List("", 0)
	if len(all) != 3 || all[0].ID != high.ID || all[1].ID != road.ID || all[2].ID != low.ID {
		t.Errorf("List order wrong: %+v", all)
	}
	water := reg.List(models.Water, 1)
	if len(water) != 1 || water[0].ID != high.ID {
		t.Errorf("List(Water, 1) = %+v", water)
	}

	square := geo.Polygon{
		east(north(pointA, -100), -100),
		east(north(pointA, -100), 100),
		east(north(pointA, 1100), 100),
		east(north(pointA, 1100), -100),
	}
	within, err := reg.Within(square)
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	if len(within) != 2 || within[0].ID != high.ID || within[1].ID != low.ID {
		t.Errorf("Within = %+v", within)
	}

	if _, err := reg.Within(geo.Polygon{pointA}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Within(degenerate) err = %v, want ErrValidation", err)
	}
}

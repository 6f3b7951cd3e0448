package query

import (
	"context"
	"errors"
	"math"
	"testing"

	"civicsync/clustering"
	"civicsync/geo"
	"civicsync/logging"
	"civicsync/models"
	"civicsync/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var origin = geo.Point{Lon: 77.5946, Lat: 12.9716}

func offset(p geo.Point, northM, eastM float64) geo.Point {
	perDegree := geo.EarthRadiusMeters * math.Pi / 180
	return geo.Point{
		Lon: p.Lon + eastM/(perDegree*math.Cos(p.Lat*math.Pi/180)),
		Lat: p.Lat + northM/perDegree,
	}
}

type env struct {
	st  *store.MemoryStore
	reg *clustering.Registry
	agg *clustering.Aggregator
	svc *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	reg := clustering.NewRegistry(st, 200, logging.Nop())
	agg := clustering.NewAggregator(st.Issues(), reg, clustering.NewLocalLocker(), clustering.Config{}, logging.Nop())
	return &env{st: st, reg: reg, agg: agg, svc: NewService(st.Issues(), reg)}
}

func (e *env) report(t *testing.T, category models.IssueCategory, p geo.Point) (primitive.ObjectID, primitive.ObjectID) {
	t.Helper()
	issue, err := models.NewIssue(models.IssueInput{
		ReporterID: primitive.NewObjectID(),
		Category:   string(category),
		Latitude:   p.Lat,
		Longitude:  p.Lon,
	}, nil)
	if err != nil {
		t.Fatalf("NewIssue: %v", err)
	}
	id, err := e.st.Issues().Create(context.Background(), issue)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err := e.agg.Assign(context.Background(), id)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return id, c.ID
}

func TestService_ClustersNearRanksBySeverity(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, small := e.report(t, models.Road, origin)
	var big primitive.ObjectID
	for i := 0; i < 3; i++ {
		_, big = e.report(t, models.Water, offset(origin, 500, float64(i*10)))
	}
	e.report(t, models.Water, offset(origin, 10_000, 0))

	got, err := e.svc.ClustersNear(origin, 1000)
	if err != nil {
		t.Fatalf("ClustersNear: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ClustersNear returned %d clusters, want 2", len(got))
	}
	if got[0].ID != big || got[1].ID != small {
		t.Errorf("order = %s, %s; want severe cluster first", got[0].ID.Hex(), got[1].ID.Hex())
	}
}

func TestService_ClustersNearValidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	tests := []struct {
		name   string
		p      geo.Point
		radius float64
	}{
		{"latitude out of range", geo.Point{Lon: 0, Lat: 91}, 100},
		{"zero radius", origin, 0},
		{"negative radius", origin, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.svc.ClustersNear(tt.p, tt.radius); !errors.Is(err, models.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestService_IssuesInCluster(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var ids []primitive.ObjectID
	var clusterID primitive.ObjectID
	for i := 0; i < 5; i++ {
		var id primitive.ObjectID
		id, clusterID = e.report(t, models.Sanitation, offset(origin, float64(i*5), 0))
		ids = append(ids, id)
	}

	all, err := e.svc.IssuesInCluster(ctx, clusterID, store.Page{})
	if err != nil {
		t.Fatalf("IssuesInCluster: %v", err)
	}
	if len(all) != len(ids) {
		t.Fatalf("got %d issues, want %d", len(all), len(ids))
	}
	for i := range ids {
		if all[i].ID != ids[i] {
			t.Fatalf("issue %d = %s, want %s (insertion order)", i, all[i].ID.Hex(), ids[i].Hex())
		}
	}

	page, err := e.svc.IssuesInCluster(ctx, clusterID, store.Page{Offset: 3, Limit: 10})
	if err != nil {
		t.Fatalf("IssuesInCluster page: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[3] {
		t.Errorf("second page = %d issues", len(page))
	}

	if _, err := e.svc.IssuesInCluster(ctx, primitive.NewObjectID(), store.Page{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown cluster err = %v, want ErrNotFound", err)
	}
	if _, err := e.svc.IssuesInCluster(ctx, clusterID, store.Page{Limit: -1}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("negative limit err = %v, want ErrValidation", err)
	}
}

func TestService_TopClusters(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.report(t, models.Water, origin)
	_, road := e.report(t, models.Road, offset(origin, 2000, 0))
	e.report(t, models.Road, offset(origin, 2010, 0))
	e.report(t, models.Road, offset(origin, 8000, 0))

	top, err := e.svc.TopClusters("", 1)
	if err != nil {
		t.Fatalf("TopClusters: %v", err)
	}
	if len(top) != 1 || top[0].ID != road {
		t.Errorf("TopClusters(all, 1) = %+v", top)
	}

	roads, _ := e.svc.TopClusters(models.Road, 0)
	if len(roads) != 2 {
		t.Errorf("TopClusters(Road) = %d clusters, want 2", len(roads))
	}
	for _, c := range roads {
		if c.Category != models.Road {
			t.Errorf("TopClusters(Road) returned %s", c.Category)
		}
	}

	if _, err := e.svc.TopClusters("", -1); !errors.Is(err, models.ErrValidation) {
		t.Errorf("negative limit err = %v", err)
	}
}

func TestService_Within(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	inside, _ := e.report(t, models.Water, origin)
	e.report(t, models.Water, offset(origin, 3000, 0))

	square := geo.Polygon{
		offset(origin, -500, -500),
		offset(origin, -500, 500),
		offset(origin, 500, 500),
		offset(origin, 500, -500),
	}
	clusters, err := e.svc.ClustersWithin(square)
	if err != nil {
		t.Fatalf("ClustersWithin: %v", err)
	}
	if len(clusters) != 1 {
		t.Errorf("ClustersWithin = %d clusters, want 1", len(clusters))
	}

	issues, err := e.svc.IssuesWithin(ctx, square, store.Page{})
	if err != nil {
		t.Fatalf("IssuesWithin: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != inside {
		t.Errorf("IssuesWithin = %+v", issues)
	}
}

func TestService_ReadsDoNotMutate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, id := e.report(t, models.Water, origin)
	before, _ := e.reg.Get(id)

	_, _ = e.svc.ClustersNear(origin, 500)
	_, _ = e.svc.IssuesInCluster(ctx, id, store.Page{})
	_, _ = e.svc.TopClusters("", 10)

	after, _ := e.reg.Get(id)
	if after.Version != before.Version || after.IssueCount != before.IssueCount || after.Severity != before.Severity {
		t.Errorf("cluster changed by reads: %+v -> %+v", before, after)
	}
}

func TestService_ListIssues(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	first, _ := e.report(t, models.Water, origin)
	e.report(t, models.Road, offset(origin, 2000, 0))
	last, _ := e.report(t, models.Water, offset(origin, 4000, 0))

	issues, total, err := e.svc.ListIssues(ctx, store.IssueFilter{Category: models.Water}, store.Page{})
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if total != 2 || len(issues) != 2 || issues[0].ID != last {
		t.Errorf("Water feed = %d of %d, want newest first", len(issues), total)
	}

	issues, _, err = e.svc.ListIssues(ctx, store.IssueFilter{Sort: store.Oldest}, store.Page{Limit: 1})
	if err != nil {
		t.Fatalf("ListIssues oldest: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != first {
		t.Errorf("oldest page = %+v", issues)
	}

	bad := []struct {
		name   string
		filter store.IssueFilter
		page   store.Page
	}{
		{"unknown status", store.IssueFilter{Status: "done"}, store.Page{}},
		{"unknown sort", store.IssueFilter{Sort: "severity"}, store.Page{}},
		{"negative limit", store.IssueFilter{}, store.Page{Limit: -1}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := e.svc.ListIssues(ctx, tt.filter, tt.page); !errors.Is(err, models.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestService_IssueStats(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.report(t, models.Water, origin)
	e.report(t, models.Road, offset(origin, 2000, 0))

	stats, err := e.svc.IssueStats(ctx, 0)
	if err != nil {
		t.Fatalf("IssueStats: %v", err)
	}
	if stats.TotalIssues != 2 || stats.OpenIssues != 2 {
		t.Errorf("totals = %d/%d, want 2/2", stats.TotalIssues, stats.OpenIssues)
	}
	if len(stats.Daily) != DefaultStatsDays {
		t.Fatalf("daily series has %d days, want %d", len(stats.Daily), DefaultStatsDays)
	}
	if today := stats.Daily[len(stats.Daily)-1]; today.Count != 2 {
		t.Errorf("today = %+v, want 2 issues", today)
	}

	month, err := e.svc.IssueStats(ctx, 30)
	if err != nil || len(month.Daily) != 30 {
		t.Errorf("IssueStats(30) = %v, %v", month, err)
	}
	for _, days := range []int{-1, MaxStatsDays + 1} {
		if _, err := e.svc.IssueStats(ctx, days); !errors.Is(err, models.ErrValidation) {
			t.Errorf("IssueStats(%d) err = %v, want ErrValidation", days, err)
		}
	}
}

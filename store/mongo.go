package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"civicsync/geo"
	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists issues and clusters in MongoDB.
type MongoStore struct {
	db           *mongo.Database
	issues       *mongo.Collection
	clusters     *mongo.Collection
	transactions bool
}

// NewMongoStore wraps db. With transactions set, Apply runs inside a
// multi-document transaction, which needs a replica set or sharded cluster.
// Without it, Apply writes document by document behind version guards.
func NewMongoStore(db *mongo.Database, transactions bool) *MongoStore {
	return &MongoStore{
		db:           db,
		issues:       db.Collection("issues"),
		clusters:     db.Collection("clusters"),
		transactions: transactions,
	}
}

func (s *MongoStore) Issues() IssueStore     { return mongoIssues{s.issues} }
func (s *MongoStore) Clusters() ClusterStore { return mongoClusters{s.clusters} }

// EnsureIndexes creates the spherical and lookup indexes both collections rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.issues.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "user", Value: 1}, {Key: "reportedAt", Value: -1}}},
		{Keys: bson.D{{Key: "cluster", Value: 1}, {Key: "reportedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("issue indexes: %w", err)
	}

	_, err = s.clusters.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "center", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "category", Value: 1}, {Key: "severity", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("cluster indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Apply(ctx context.Context, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	if !s.transactions {
		return s.apply(ctx, cs)
	}

	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, s.apply(sc, cs)
	})
	return err
}

// apply writes the surviving clusters first and deletes last, so an
// interrupted non-transactional apply never leaves issues pointing at nothing
// that was not already gone.
func (s *MongoStore) apply(ctx context.Context, cs ChangeSet) error {
	clusters := mongoClusters{s.clusters}
	for _, c := range cs.Save {
		if err := clusters.Save(ctx, c); err != nil {
			return err
		}
	}
	issues := mongoIssues{s.issues}
	for _, m := range cs.Memberships {
		if err := issues.SetClusterID(ctx, m.IssueID, m.ClusterID); err != nil {
			return err
		}
	}
	for _, c := range cs.Delete {
		if err := clusters.Delete(ctx, c.ID, c.Version); err != nil {
			return err
		}
	}
	return nil
}

type mongoIssues struct{ coll *mongo.Collection }

func (m mongoIssues) Create(ctx context.Context, issue *models.Issue) (primitive.ObjectID, error) {
	if issue == nil {
		return primitive.NilObjectID, &models.ValidationError{Field: "issue", Reason: "required"}
	}
	if err := issue.Location.Point().Validate(); err != nil || len(issue.Location.Coordinates) < 2 {
		return primitive.NilObjectID, &models.ValidationError{Field: "location", Reason: "required"}
	}
	if issue.Category == "" {
		return primitive.NilObjectID, &models.ValidationError{Field: "category", Reason: "required"}
	}

	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	if issue.Status == "" {
		issue.Status = models.Pending
	}
	if issue.Supporters == nil {
		issue.Supporters = []primitive.ObjectID{}
	}
	if issue.Comments == nil {
		issue.Comments = []models.Comment{}
	}
	now := time.Now()
	issue.ClusterID = nil
	issue.ReportedAt = now
	issue.UpdatedAt = now

	if _, err := m.coll.InsertOne(ctx, issue); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, &models.ValidationError{Field: "id", Reason: "duplicate"}
		}
		return primitive.NilObjectID, fmt.Errorf("insert issue: %w", err)
	}
	return issue.ID, nil
}

func (m mongoIssues) Get(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	var issue models.Issue
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&issue)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
		}
		return nil, fmt.Errorf("find issue: %w", err)
	}
	return &issue, nil
}

func (m mongoIssues) AddSupporter(ctx context.Context, id, userID primitive.ObjectID) (bool, error) {
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "supporters": bson.M{"$ne": userID}},
		bson.M{
			"$push": bson.M{"supporters": userID},
			"$set":  bson.M{"updatedAt": time.Now()},
		})
	if err != nil {
		return false, fmt.Errorf("add supporter: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if err := m.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (m mongoIssues) SetClusterID(ctx context.Context, id primitive.ObjectID, clusterID *primitive.ObjectID) error {
	update := bson.M{"$set": bson.M{"updatedAt": time.Now()}}
	if clusterID == nil {
		update["$unset"] = bson.M{"cluster": ""}
	} else {
		update["$set"] = bson.M{"cluster": *clusterID, "updatedAt": time.Now()}
	}

	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("set cluster: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	return nil
}

// SetStatus compares and swaps on the current status so two resolvers racing
// on the same issue cannot skip the transition check.
func (m mongoIssues) SetStatus(ctx context.Context, id primitive.ObjectID, status models.IssueStatus) error {
	issue, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(issue.Status, status) {
		return &models.TransitionError{From: issue.Status, To: status}
	}
	if issue.Status == status {
		return nil
	}

	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": issue.Status},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now()}})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("issue %s status changed concurrently: %w", id.Hex(), models.ErrConcurrencyConflict)
	}
	return nil
}

func (m mongoIssues) AddComment(ctx context.Context, id primitive.ObjectID, comment models.Comment) error {
	now := time.Now()
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"comments": comment},
		"$set":  bson.M{"updatedAt": now},
	})
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	return nil
}

func (m mongoIssues) ListByCluster(ctx context.Context, clusterID primitive.ObjectID, page Page) ([]models.Issue, error) {
	return m.find(ctx, bson.M{"cluster": clusterID}, page)
}

func (m mongoIssues) CountByCluster(ctx context.Context, clusterID primitive.ObjectID) (int, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"cluster": clusterID})
	if err != nil {
		return 0, fmt.Errorf("count cluster members: %w", err)
	}
	return int(n), nil
}

func (m mongoIssues) ListUnclustered(ctx context.Context, limit int) ([]models.Issue, error) {
	return m.find(ctx, bson.M{"cluster": nil}, Page{Limit: limit})
}

func (m mongoIssues) ListWithin(ctx context.Context, poly geo.Polygon, page Page) ([]models.Issue, error) {
	if _, err := poly.Matcher(); err != nil {
		return nil, &models.ValidationError{Field: "polygon", Reason: err.Error()}
	}
	filter := bson.M{"location": bson.M{"$geoWithin": bson.M{
		"$geometry": bson.M{"type": "Polygon", "coordinates": [][][]float64{poly.Ring()}},
	}}}
	return m.find(ctx, filter, page)
}

func (m mongoIssues) List(ctx context.Context, filter IssueFilter, page Page) ([]models.Issue, int, error) {
	query := bson.M{}
	if filter.Category != "" {
		query["category"] = filter.Category
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if !filter.ReporterID.IsZero() {
		query["user"] = filter.ReporterID
	}
	if filter.Search != "" {
		query["description"] = bson.M{"$regex": regexp.QuoteMeta(filter.Search), "$options": "i"}
	}

	total, err := m.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	order := -1
	if filter.Sort == Oldest {
		order = 1
	}
	issues, err := m.findSorted(ctx, query, bson.D{{Key: "reportedAt", Value: order}, {Key: "_id", Value: order}}, page)
	if err != nil {
		return nil, 0, err
	}
	return issues, int(total), nil
}

type countBucket struct {
	Key   string `bson:"_id"`
	Count int    `bson:"count"`
}

// Stats runs one $facet aggregation for the counts and a second for the most
// supported issues.
func (m mongoIssues) Stats(ctx context.Context, since, now time.Time) (*models.IssueStats, error) {
	group := func(field interface{}) bson.M {
		return bson.M{"$group": bson.M{"_id": field, "count": bson.M{"$sum": 1}}}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"byCategory": bson.A{group("$category")},
			"byStatus":   bson.A{group("$status")},
			"byDay": bson.A{
				bson.M{"$match": bson.M{"reportedAt": bson.M{"$gte": since}}},
				group(bson.M{"$dateToString": bson.M{"format": "%Y-%m-%d", "date": "$reportedAt"}}),
			},
			"support": bson.A{
				bson.M{"$group": bson.M{"_id": "all", "count": bson.M{"$sum": bson.M{"$size": bson.M{"$ifNull": bson.A{"$supporters", bson.A{}}}}}}},
			},
		}}},
	}
	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate issue stats: %w", err)
	}
	defer cursor.Close(ctx)

	var facets []struct {
		ByCategory []countBucket `bson:"byCategory"`
		ByStatus   []countBucket `bson:"byStatus"`
		ByDay      []countBucket `bson:"byDay"`
		Support    []countBucket `bson:"support"`
	}
	if err := cursor.All(ctx, &facets); err != nil {
		return nil, fmt.Errorf("decode issue stats: %w", err)
	}

	stats := &models.IssueStats{IssuesByCategory: []models.CategoryCount{}, IssuesByStatus: map[models.IssueStatus]int{}}
	byDay := map[string]int{}
	if len(facets) > 0 {
		f := facets[0]
		for _, b := range f.ByCategory {
			stats.IssuesByCategory = append(stats.IssuesByCategory, models.CategoryCount{Name: models.IssueCategory(b.Key), Value: b.Count})
			stats.TotalIssues += b.Count
		}
		for _, b := range f.ByStatus {
			status := models.IssueStatus(b.Key)
			stats.IssuesByStatus[status] = b.Count
			if status.Open() {
				stats.OpenIssues += b.Count
			}
		}
		for _, b := range f.ByDay {
			byDay[b.Key] = b.Count
		}
		for _, b := range f.Support {
			stats.TotalSupport += b.Count
		}
	}
	sortCategoryCounts(stats.IssuesByCategory)
	stats.Daily = dailySeries(since, now, byDay)

	top, err := m.topSupported(ctx)
	if err != nil {
		return nil, err
	}
	stats.TopSupported = top
	return stats, nil
}

func (m mongoIssues) topSupported(ctx context.Context) ([]models.Issue, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$addFields", Value: bson.M{"supportCount": bson.M{"$size": bson.M{"$ifNull": bson.A{"$supporters", bson.A{}}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "supportCount", Value: -1}, {Key: "reportedAt", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$limit", Value: TopSupportedLimit}},
	}
	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate top supported: %w", err)
	}
	defer cursor.Close(ctx)

	issues := []models.Issue{}
	if err := cursor.All(ctx, &issues); err != nil {
		return nil, fmt.Errorf("decode top supported: %w", err)
	}
	return issues, nil
}

func (m mongoIssues) find(ctx context.Context, filter bson.M, page Page) ([]models.Issue, error) {
	return m.findSorted(ctx, filter, bson.D{{Key: "reportedAt", Value: 1}, {Key: "_id", Value: 1}}, page)
}

func (m mongoIssues) findSorted(ctx context.Context, filter bson.M, sort bson.D, page Page) ([]models.Issue, error) {
	findOptions := options.Find().SetSort(sort)
	if page.Offset > 0 {
		findOptions.SetSkip(int64(page.Offset))
	}
	if page.Limit > 0 {
		findOptions.SetLimit(int64(page.Limit))
	}

	cursor, err := m.coll.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("find issues: %w", err)
	}
	defer cursor.Close(ctx)

	issues := []models.Issue{}
	if err := cursor.All(ctx, &issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return issues, nil
}

func (m mongoIssues) exists(ctx context.Context, id primitive.ObjectID) error {
	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("count issue: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("issue %s: %w", id.Hex(), models.ErrNotFound)
	}
	return nil
}

type mongoClusters struct{ coll *mongo.Collection }

func (m mongoClusters) Get(ctx context.Context, id primitive.ObjectID) (*models.Cluster, error) {
	var c models.Cluster
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("cluster %s: %w", id.Hex(), models.ErrNotFound)
		}
		return nil, fmt.Errorf("find cluster: %w", err)
	}
	return &c, nil
}

func (m mongoClusters) List(ctx context.Context, filter ClusterFilter) ([]models.Cluster, error) {
	query := bson.M{}
	if filter.Category != "" {
		query["category"] = filter.Category
	}
	findOptions := options.Find().SetSort(bson.D{{Key: "severity", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		findOptions.SetLimit(int64(filter.Limit))
	}

	cursor, err := m.coll.Find(ctx, query, findOptions)
	if err != nil {
		return nil, fmt.Errorf("find clusters: %w", err)
	}
	defer cursor.Close(ctx)

	clusters := []models.Cluster{}
	if err := cursor.All(ctx, &clusters); err != nil {
		return nil, fmt.Errorf("decode clusters: %w", err)
	}
	return clusters, nil
}

func (m mongoClusters) Save(ctx context.Context, c models.Cluster) error {
	expected := c.Version
	c.Version++

	if expected == 0 {
		if _, err := m.coll.InsertOne(ctx, c); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("insert cluster %s: %w", c.ID.Hex(), models.ErrConcurrencyConflict)
			}
			return fmt.Errorf("insert cluster: %w", err)
		}
		return nil
	}

	res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": c.ID, "version": expected}, c)
	if err != nil {
		return fmt.Errorf("replace cluster: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("save cluster %s at version %d: %w", c.ID.Hex(), expected, models.ErrConcurrencyConflict)
	}
	return nil
}

func (m mongoClusters) Delete(ctx context.Context, id primitive.ObjectID, version int64) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id, "version": version})
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete cluster %s at version %d: %w", id.Hex(), version, models.ErrConcurrencyConflict)
	}
	return nil
}

package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Cluster aggregates nearby issues of one category
type Cluster struct {
	ID             primitive.ObjectID `bson:"_id" json:"id"`
	Center         GeoPoint           `bson:"center" json:"center"`
	Category       IssueCategory      `bson:"category" json:"category"`
	IssueCount     int                `bson:"issueCount" json:"issueCount"`
	SupporterCount int                `bson:"supporterCount" json:"supporterCount"`
	Severity       float64            `bson:"severity" json:"severity"`
	Version        int64              `bson:"version" json:"-"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt" json:"updatedAt"`
}

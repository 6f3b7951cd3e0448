package models

import (
	"errors"
	"strings"
	"time"

	"civicsync/geo"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IssueCategory enum
type IssueCategory string

const (
	Road           IssueCategory = "Road"
	Water          IssueCategory = "Water"
	Sanitation     IssueCategory = "Sanitation"
	Electricity    IssueCategory = "Electricity"
	Infrastructure IssueCategory = "Infrastructure"
	Other          IssueCategory = "Other"
)

// DefaultCategories are accepted when no category list is configured.
var DefaultCategories = []IssueCategory{Road, Water, Sanitation, Electricity, Infrastructure, Other}

// IssueStatus enum
type IssueStatus string

const (
	Pending    IssueStatus = "pending"
	InProgress IssueStatus = "in_progress"
	Resolved   IssueStatus = "resolved"
	Rejected   IssueStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s IssueStatus) Valid() bool {
	switch s {
	case Pending, InProgress, Resolved, Rejected:
		return true
	}
	return false
}

// CanTransition reports whether an issue may move from one status to another.
// Work only moves forward, resolved is final, and a rejected issue may be
// reopened as pending.
func CanTransition(from, to IssueStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case Pending:
		return to == InProgress || to == Resolved || to == Rejected
	case InProgress:
		return to == Resolved || to == Rejected
	case Rejected:
		return to == Pending
	}
	return false
}

// Comment is a user remark on an issue. Comments are append-only.
type Comment struct {
	User      primitive.ObjectID `bson:"user" json:"user"`
	Content   string             `bson:"content" json:"content"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Issue represents a civic issue reported by a user
type Issue struct {
	ID               primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	ReporterID       primitive.ObjectID   `bson:"user" json:"reporterId"`
	ClusterID        *primitive.ObjectID  `bson:"cluster,omitempty" json:"clusterId,omitempty"`
	Location         GeoPoint             `bson:"location" json:"location"`
	Category         IssueCategory        `bson:"category" json:"category"`
	Description      string               `bson:"description" json:"description"`
	ImageRef         string               `bson:"image,omitempty" json:"imageRef,omitempty"`
	Status           IssueStatus          `bson:"status" json:"status"`
	// AssignedResolver references the resolver handling the issue, if any.
	AssignedResolver *primitive.ObjectID  `bson:"assignedResolver,omitempty" json:"assignedResolver,omitempty"`
	Supporters       []primitive.ObjectID `bson:"supporters" json:"supporters"`
	Comments         []Comment            `bson:"comments" json:"comments"`
	ReportedAt       time.Time            `bson:"reportedAt" json:"reportedAt"`
	UpdatedAt        time.Time            `bson:"updatedAt" json:"updatedAt"`
}

// Clone returns a deep copy so stored issues never share slices with callers.
func (i Issue) Clone() Issue {
	out := i
	if i.ClusterID != nil {
		id := *i.ClusterID
		out.ClusterID = &id
	}
	if i.AssignedResolver != nil {
		r := *i.AssignedResolver
		out.AssignedResolver = &r
	}
	out.Location.Coordinates = append([]float64(nil), i.Location.Coordinates...)
	out.Supporters = append([]primitive.ObjectID{}, i.Supporters...)
	out.Comments = append([]Comment{}, i.Comments...)
	return out
}

// HasSupporter reports whether userID already supports the issue.
func (i Issue) HasSupporter(userID primitive.ObjectID) bool {
	for _, s := range i.Supporters {
		if s == userID {
			return true
		}
	}
	return false
}

// IssueInput is what a reporter submits.
type IssueInput struct {
	ReporterID  primitive.ObjectID
	Category    string  `validate:"required,max=64"`
	Latitude    float64 `validate:"latitude"`
	Longitude   float64 `validate:"longitude"`
	Description string  `validate:"max=1000"`
	ImageRef    string  `validate:"omitempty,max=2048"`
}

var validate = validator.New()

// NewIssue validates in and builds a pending issue. Ids and timestamps are
// assigned by the store. An empty allowed list accepts any category.
func NewIssue(in IssueInput, allowed []IssueCategory) (*Issue, error) {
	in.Category = strings.TrimSpace(in.Category)
	if in.ReporterID.IsZero() {
		return nil, &ValidationError{Field: "reporterId", Reason: "required"}
	}
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &ValidationError{Field: strings.ToLower(fe.Field()), Reason: "failed " + fe.Tag()}
		}
		return nil, &ValidationError{Field: "issue", Reason: err.Error()}
	}

	location := geo.Point{Lon: in.Longitude, Lat: in.Latitude}
	if err := location.Validate(); err != nil {
		return nil, &ValidationError{Field: "location", Reason: err.Error()}
	}

	category := IssueCategory(in.Category)
	if len(allowed) > 0 && !categoryAllowed(category, allowed) {
		return nil, &ValidationError{Field: "category", Reason: "unknown category " + in.Category}
	}

	return &Issue{
		ReporterID:  in.ReporterID,
		Location:    NewGeoPoint(location),
		Category:    category,
		Description: in.Description,
		ImageRef:    in.ImageRef,
		Status:      Pending,
		Supporters:  []primitive.ObjectID{},
		Comments:    []Comment{},
	}, nil
}

func categoryAllowed(c IssueCategory, allowed []IssueCategory) bool {
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}

package models

import (
	"errors"
	"math"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNewIssue(t *testing.T) {
	t.Parallel()

	reporter := primitive.NewObjectID()
	valid := IssueInput{
		ReporterID:  reporter,
		Category:    " Water ",
		Latitude:    40.7128,
		Longitude:   -74.0060,
		Description: "burst main",
	}

	issue, err := NewIssue(valid, DefaultCategories)
	if err != nil {
		t.Fatalf("NewIssue: %v", err)
	}
	if issue.Category != Water {
		t.Errorf("Category = %q, want Water", issue.Category)
	}
	if issue.Status != Pending {
		t.Errorf("Status = %q, want pending", issue.Status)
	}
	if issue.ClusterID != nil {
		t.Error("ClusterID should start nil")
	}
	if p := issue.Location.Point(); p.Lat != 40.7128 || p.Lon != -74.0060 {
		t.Errorf("Location = %+v", p)
	}

	tests := []struct {
		name  string
		mut   func(in *IssueInput)
		field string
	}{
		{"missing reporter", func(in *IssueInput) { in.ReporterID = primitive.NilObjectID }, "reporterId"},
		{"missing category", func(in *IssueInput) { in.Category = "  " }, "category"},
		{"unknown category", func(in *IssueInput) { in.Category = "Potholes" }, "category"},
		{"latitude out of range", func(in *IssueInput) { in.Latitude = 95 }, "latitude"},
		{"longitude out of range", func(in *IssueInput) { in.Longitude = -200 }, "longitude"},
		{"latitude NaN", func(in *IssueInput) { in.Latitude = math.NaN() }, "latitude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mut(&in)
			_, err := NewIssue(in, DefaultCategories)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("field = %v, want %q", err, tt.field)
			}
		})
	}

	t.Run("any category when list empty", func(t *testing.T) {
		in := valid
		in.Category = "Potholes"
		if _, err := NewIssue(in, nil); err != nil {
			t.Errorf("NewIssue with open categories: %v", err)
		}
	})
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to IssueStatus
		want     bool
	}{
		{Pending, InProgress, true},
		{Pending, Resolved, true},
		{Pending, Rejected, true},
		{InProgress, Resolved, true},
		{InProgress, Pending, false},
		{Resolved, Pending, false},
		{Resolved, Rejected, false},
		{Rejected, Pending, true},
		{Rejected, Resolved, false},
		{Resolved, Resolved, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIssue_CloneIsDeep(t *testing.T) {
	t.Parallel()

	cid := primitive.NewObjectID()
	resolver := primitive.NewObjectID()
	orig := Issue{
		ClusterID:        &cid,
		AssignedResolver: &resolver,
		Location:         GeoPoint{Type: "Point", Coordinates: []float64{1, 2}},
		Supporters:       []primitive.ObjectID{primitive.NewObjectID()},
	}
	cp := orig.Clone()
	cp.Location.Coordinates[0] = 99
	cp.Supporters[0] = primitive.NilObjectID
	*cp.ClusterID = primitive.NilObjectID
	*cp.AssignedResolver = primitive.NilObjectID

	if orig.Location.Coordinates[0] != 1 || orig.Supporters[0].IsZero() || orig.ClusterID.IsZero() || orig.AssignedResolver.IsZero() {
		t.Error("Clone shares state with the original")
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	if !errors.Is(&TransitionError{From: Resolved, To: Pending}, ErrInvalidTransition) {
		t.Error("TransitionError should match ErrInvalidTransition")
	}
	if errors.Is(&ValidationError{Field: "x"}, ErrNotFound) {
		t.Error("ValidationError should not match ErrNotFound")
	}
}

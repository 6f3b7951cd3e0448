package clustering

import (
	"context"
	"fmt"
	"math"

	"civicsync/geo"
	"civicsync/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Violation kinds reported by Audit.
const (
	ViolationCount       = "count"
	ViolationEmpty       = "empty"
	ViolationCategory    = "category"
	ViolationContainment = "containment"
	ViolationSeparation  = "separation"
	ViolationIndex       = "index"
	ViolationSupporters  = "supporters"
)

// containmentSlack absorbs floating point noise from the centroid projection.
const containmentSlack = 1e-6

const severitySlack = 1e-9

// Violation is one broken cluster invariant.
type Violation struct {
	Kind      string             `json:"kind"`
	ClusterID primitive.ObjectID `json:"clusterId"`
	IssueID   primitive.ObjectID `json:"issueId,omitempty"`
	Detail    string             `json:"detail"`
}

func (v Violation) String() string {
	if v.IssueID.IsZero() {
		return fmt.Sprintf("%s: cluster %s: %s", v.Kind, v.ClusterID.Hex(), v.Detail)
	}
	return fmt.Sprintf("%s: cluster %s issue %s: %s", v.Kind, v.ClusterID.Hex(), v.IssueID.Hex(), v.Detail)
}

// Audit checks every live cluster against its members: the stored count and
// supporter total match, severity follows from them, members share the
// category and sit within the radius of the centre, no two same-category
// centres are within the radius of each other, and the spatial index agrees
// with the cluster set.
func Audit(ctx context.Context, issues store.IssueStore, reg *Registry) ([]Violation, error) {
	var out []Violation
	radius := reg.Radius()
	clusters := reg.List("", 0)

	for _, c := range clusters {
		members, err := issues.ListByCluster(ctx, c.ID, store.Page{})
		if err != nil {
			return nil, fmt.Errorf("audit cluster %s: %w", c.ID.Hex(), err)
		}
		if len(members) == 0 {
			out = append(out, Violation{Kind: ViolationEmpty, ClusterID: c.ID, Detail: "cluster has no members"})
		}
		if len(members) != c.IssueCount {
			out = append(out, Violation{
				Kind:      ViolationCount,
				ClusterID: c.ID,
				Detail:    fmt.Sprintf("issueCount %d, members %d", c.IssueCount, len(members)),
			})
		}

		center := c.Center.Point()
		supporters := 0
		for _, m := range members {
			supporters += len(m.Supporters)
			if m.Category != c.Category {
				out = append(out, Violation{
					Kind: ViolationCategory, ClusterID: c.ID, IssueID: m.ID,
					Detail: fmt.Sprintf("issue %q in %q cluster", m.Category, c.Category),
				})
			}
			if d := geo.Distance(center, m.Location.Point()); d > radius+containmentSlack {
				out = append(out, Violation{
					Kind: ViolationContainment, ClusterID: c.ID, IssueID: m.ID,
					Detail: fmt.Sprintf("%.2fm from centre", d),
				})
			}
		}

		if supporters != c.SupporterCount || math.Abs(c.Severity-Severity(c.IssueCount, supporters)) > severitySlack {
			out = append(out, Violation{
				Kind:      ViolationSupporters,
				ClusterID: c.ID,
				Detail: fmt.Sprintf("supporterCount %d severity %.4f, members have %d supporters",
					c.SupporterCount, c.Severity, supporters),
			})
		}

		near, err := reg.Near(center, radius)
		if err != nil {
			out = append(out, Violation{Kind: ViolationIndex, ClusterID: c.ID, Detail: err.Error()})
			continue
		}
		for _, other := range near {
			o := other.Cluster
			if o.Category != c.Category || !idLess(c.ID, o.ID) {
				continue
			}
			out = append(out, Violation{
				Kind: ViolationSeparation, ClusterID: c.ID,
				Detail: fmt.Sprintf("centre %.2fm from cluster %s", other.Distance, o.ID.Hex()),
			})
		}
	}

	if err := reg.Verify(); err != nil {
		out = append(out, Violation{Kind: ViolationIndex, Detail: err.Error()})
	}
	return out, nil
}

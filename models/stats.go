package models

// CategoryCount is one bucket of the per-category breakdown.
type CategoryCount struct {
	Name  IssueCategory `bson:"_id" json:"name"`
	Value int           `bson:"count" json:"value"`
}

// DayCount is the number of issues reported on one UTC day (YYYY-MM-DD).
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// IssueStats summarises the reported issues for dashboards.
type IssueStats struct {
	IssuesByCategory []CategoryCount     `json:"issuesByCategory"`
	IssuesByStatus   map[IssueStatus]int `json:"issuesByStatus"`
	Daily            []DayCount          `json:"daily"`
	TopSupported     []Issue             `json:"topSupportedIssues"`
	TotalIssues      int                 `json:"totalIssues"`
	OpenIssues       int                 `json:"openIssues"`
	TotalSupport     int                 `json:"totalSupport"`
}

// Open reports whether work on an issue with this status is outstanding.
func (s IssueStatus) Open() bool {
	return s == Pending || s == InProgress
}

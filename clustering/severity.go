package clustering

import "math"

// MaxSeverity bounds Severity from above; it is never reached.
const MaxSeverity = 10.0

// severityHalfPoint is the raw score at which severity reaches half of MaxSeverity.
const severityHalfPoint = 5.0

// Severity scores a cluster from its member count and the total number of
// supporters across members. It is strictly increasing in both arguments and
// lies in [0, MaxSeverity).
func Severity(issueCount, supporters int) float64 {
	if issueCount <= 0 {
		return 0
	}
	if supporters < 0 {
		supporters = 0
	}
	raw := math.Log1p(float64(issueCount)) + 0.5*math.Log1p(float64(supporters))
	return MaxSeverity * raw / (raw + severityHalfPoint)
}

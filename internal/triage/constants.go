package triage

import "time"

// Tunable thresholds for classification and scoring. The values are defaults
// chosen from observed behavior, not contracts; adjust with care since the
// rule layer short-circuits on them.
const (
	// SmallDiffLines is the ceiling for a "modest" diff when deciding
	// Ready to Merge.
	SmallDiffLines = 100

	// LargeDiffLines pushes a request into Needs Architecture Discussion.
	LargeDiffLines = 500

	// StaleAge is how long a request can sit without activity before the
	// rule layer calls it Blocked/Stale.
	StaleAge = 14 * 24 * time.Hour

	// ConfidenceThreshold below which a classification is reported as
	// "uncertain, recommend manual review". The category is still recorded.
	ConfidenceThreshold = 0.70

	// MaxAttempts caps task retries for transient upstream failures. Once
	// exhausted the task lands in failed with a diagnostic report.
	MaxAttempts = 5

	// LeaseTTL bounds how long a worker may hold a key before the lease is
	// reclaimable, so a crashed worker cannot block a key forever.
	LeaseTTL = 5 * time.Minute

	// DeliveryRetention bounds how long delivery records are kept for
	// deduplication. Platforms do not replay deliveries indefinitely.
	DeliveryRetention = 7 * 24 * time.Hour
)

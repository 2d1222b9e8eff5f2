// Package store defines the storage contracts for device telemetry and user
// requirements, with an in-memory backend and a MySQL backend that can
// coalesce telemetry writes through a batching flusher.
package store

// timeLayout is the timestamp format used for requirement records.
const timeLayout = "2006-01-02 15:04:05"

// WillingToPay is the tri-state payment intent on a requirement: unset when
// the submitter skipped the question.
type WillingToPay int

const (
	WTPUnset WillingToPay = -1
	WTPNo    WillingToPay = 0
	WTPYes   WillingToPay = 1
)

// Filter values for QueryRequirements. FilterUnset selects only rows where
// the submitter skipped the question.
const (
	FilterNone  = -1
	FilterNo    = 0
	FilterYes   = 1
	FilterUnset = 2
)

// DataPoint is one telemetry record: a caller-supplied epoch timestamp and
// at least one named numeric metric.
type DataPoint struct {
	Timestamp int64
	Metrics   map[string]float64
}

// Requirement is one user submission. ID and the timestamps are assigned by
// the store on append.
type Requirement struct {
	ID           int64
	Title        string
	Content      string
	WillingToPay WillingToPay
	Contact      string
	Notes        string
	CreatedAt    string
	UpdatedAt    string
}

// QueryResult is one page of requirements plus the unfiltered-page total.
type QueryResult struct {
	Data  []Requirement
	Total int64
	Page  int
	Limit int
}

// TelemetryStore ingests device data points and serves recent history.
// Appends are fire-and-forget: implementations log failures instead of
// surfacing them, and the caller's reply does not depend on them.
type TelemetryStore interface {
	Append(deviceID string, p DataPoint)
	AppendBatch(deviceID string, points []DataPoint)

	// QueryLatest returns at most limit most-recent points in ascending
	// timestamp order. An unknown device yields an empty result.
	QueryLatest(deviceID string, limit int) []DataPoint
}

// RequirementStore ingests user requirements and serves filtered pages.
type RequirementStore interface {
	AppendRequirement(r Requirement)

	// QueryRequirements filters by payment intent (FilterNone disables the
	// filter) and case-insensitive keyword over title and content, newest
	// first, returning the page slice and the filtered total.
	QueryRequirements(page, limit, wtpFilter int, keyword string) QueryResult
}

// matchWTP mirrors the tri-state filter: negative disables it, FilterUnset
// selects unset rows, anything else is an exact match.
func matchWTP(v WillingToPay, filter int) bool {
	if filter < 0 {
		return true
	}
	if filter == FilterUnset {
		return v == WTPUnset
	}
	return int(v) == filter
}

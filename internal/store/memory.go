package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryTelemetry keeps one append-only series per device under a
// reader/writer lock.
type MemoryTelemetry struct {
	mu     sync.RWMutex
	series map[string][]DataPoint
}

func NewMemoryTelemetry() *MemoryTelemetry {
	return &MemoryTelemetry{series: make(map[string][]DataPoint)}
}

func (m *MemoryTelemetry) Append(deviceID string, p DataPoint) {
	m.mu.Lock()
	m.series[deviceID] = append(m.series[deviceID], p)
	m.mu.Unlock()
}

func (m *MemoryTelemetry) AppendBatch(deviceID string, points []DataPoint) {
	m.mu.Lock()
	m.series[deviceID] = append(m.series[deviceID], points...)
	m.mu.Unlock()
}

// QueryLatest returns a copy of the series tail so callers never alias the
// locked slice.
func (m *MemoryTelemetry) QueryLatest(deviceID string, limit int) []DataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[deviceID]
	if limit <= 0 || len(s) == 0 {
		return nil
	}
	if limit > len(s) {
		limit = len(s)
	}
	out := make([]DataPoint, limit)
	copy(out, s[len(s)-limit:])
	return out
}

// SeriesCount reports how many devices hold at least one point.
func (m *MemoryTelemetry) SeriesCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.series)
}

// MemoryRequirements keeps submissions in insertion order. IDs are the
// 1-based insertion index, so they are monotonically increasing and stable.
type MemoryRequirements struct {
	mu   sync.RWMutex
	list []Requirement
}

func NewMemoryRequirements() *MemoryRequirements {
	return &MemoryRequirements{}
}

func (m *MemoryRequirements) AppendRequirement(r Requirement) {
	m.mu.Lock()
	r.ID = int64(len(m.list)) + 1
	now := time.Now().Format(timeLayout)
	r.CreatedAt = now
	r.UpdatedAt = now
	m.list = append(m.list, r)
	m.mu.Unlock()
}

func (m *MemoryRequirements) QueryRequirements(page, limit, wtpFilter int, keyword string) QueryResult {
	kw := strings.ToLower(keyword)

	m.mu.RLock()
	filtered := make([]Requirement, 0, len(m.list))
	for _, r := range m.list {
		if !matchWTP(r.WillingToPay, wtpFilter) {
			continue
		}
		if kw != "" &&
			!strings.Contains(strings.ToLower(r.Title), kw) &&
			!strings.Contains(strings.ToLower(r.Content), kw) {
			continue
		}
		filtered = append(filtered, r)
	}
	m.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	result := QueryResult{
		Total: int64(len(filtered)),
		Page:  page,
		Limit: limit,
	}

	offset := (page - 1) * limit
	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return result
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	result.Data = filtered[offset:end]
	return result
}

package aggregate

import (
	"slices"
	"sort"
	"sync"

	"github.com/splax/bibles/internal/domain"
)

// Conflict describes a later sighting whose license or copyright differs from the recorded
// first observation. The first observation is kept.
type Conflict struct {
	Component         string
	ProjectID         string
	RecordedLicenses  []string
	ObservedLicenses  []string
	RecordedCopyright string
	ObservedCopyright string
}

type entry struct {
	record   domain.AggregatedRecord
	projects map[string]struct{}
}

// Aggregator merges component records from many projects into one deduplicated table.
// It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{entries: make(map[string]*entry)}
}

// Add attributes each record to projectID. New components are inserted with their license
// and copyright; known components gain projectID once, keeping their first-seen metadata.
func (a *Aggregator) Add(projectID string, records []domain.ComponentRecord) []Conflict {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var conflicts []Conflict
	for _, rec := range records {
		key := rec.Component.Key()
		e := a.entries[key]
		if e == nil {
			a.entries[key] = &entry{
				record: domain.AggregatedRecord{
					Component: rec.Component,
					Licenses:  slices.Clone(rec.Licenses),
					Copyright: rec.Copyright,
					Projects:  []string{projectID},
				},
				projects: map[string]struct{}{projectID: {}},
			}
			continue
		}
		if !sameLicenses(e.record.Licenses, rec.Licenses) || e.record.Copyright != rec.Copyright {
			conflicts = append(conflicts, Conflict{
				Component:         key,
				ProjectID:         projectID,
				RecordedLicenses:  slices.Clone(e.record.Licenses),
				ObservedLicenses:  slices.Clone(rec.Licenses),
				RecordedCopyright: e.record.Copyright,
				ObservedCopyright: rec.Copyright,
			})
		}
		if _, ok := e.projects[projectID]; ok {
			continue
		}
		e.projects[projectID] = struct{}{}
		e.record.Projects = append(e.record.Projects, projectID)
	}
	return conflicts
}

// Len returns the number of distinct components.
func (a *Aggregator) Len() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Records returns a copy of every aggregated record ordered by component key.
func (a *Aggregator) Records() []domain.AggregatedRecord {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.entries))
	for key := range a.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]domain.AggregatedRecord, 0, len(keys))
	for _, key := range keys {
		rec := a.entries[key].record
		rec.Licenses = slices.Clone(rec.Licenses)
		rec.Projects = slices.Clone(rec.Projects)
		out = append(out, rec)
	}
	return out
}

// sameLicenses compares license lists as sets.
func sameLicenses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(slices.Sorted(slices.Values(a)), slices.Sorted(slices.Values(b)))
}

package directory

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/splax/bibles/internal/domain"
)

// ErrNoMatchingProjects indicates a tag filter matched no project. It is fatal for a run.
var ErrNoMatchingProjects = errors.New("no projects match the tag filter")

// ErrInvalidTagFilter indicates the tag filter is not a valid regular expression.
var ErrInvalidTagFilter = errors.New("invalid tag filter")

// Options controls project resolution.
type Options struct {
	// TagFilter is a regular expression searched in each tag. Empty disables filtering.
	TagFilter string
	// LatestOnly keeps only the newest snapshot per project name.
	LatestOnly bool
}

// Directory is the ordered, id-unique set of projects for a run.
type Directory struct {
	order []string
	byID  map[string]domain.Project
}

// Resolve builds a Directory from a raw listing. Projects keep first-seen order and
// later duplicates of an id are discarded.
func Resolve(descriptors []domain.ProjectDescriptor, opts Options) (*Directory, error) {
	filter := strings.TrimSpace(opts.TagFilter)
	if filter != "" {
		re, err := regexp.Compile(filter)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidTagFilter, filter, err)
		}
		descriptors = filterByTag(descriptors, re)
		if len(descriptors) == 0 {
			return nil, fmt.Errorf("%w %q", ErrNoMatchingProjects, filter)
		}
	}

	var latest map[string]string
	if opts.LatestOnly {
		latest = latestTimestamps(descriptors)
	}

	dir := &Directory{byID: make(map[string]domain.Project, len(descriptors))}
	for _, d := range descriptors {
		id := strings.TrimSpace(d.UUID)
		if id == "" {
			continue
		}
		if _, seen := dir.byID[id]; seen {
			continue
		}
		ts := string(d.Timestamp)
		if latest != nil && ts != latest[d.Name] {
			continue
		}
		dir.byID[id] = domain.Project{
			ID:        id,
			Name:      d.Name,
			Branch:    d.Branch,
			Timestamp: ts,
			Tags:      append([]string(nil), d.Tags...),
		}
		dir.order = append(dir.order, id)
	}
	return dir, nil
}

// Projects returns the projects in first-seen order.
func (d *Directory) Projects() []domain.Project {
	if d == nil {
		return nil
	}
	out := make([]domain.Project, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

// Lookup returns the project with the given id.
func (d *Directory) Lookup(id string) (domain.Project, bool) {
	if d == nil {
		return domain.Project{}, false
	}
	p, ok := d.byID[id]
	return p, ok
}

// Len returns the number of projects.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.order)
}

func filterByTag(descriptors []domain.ProjectDescriptor, re *regexp.Regexp) []domain.ProjectDescriptor {
	matched := make([]domain.ProjectDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		for _, tag := range d.Tags {
			if re.MatchString(tag) {
				matched = append(matched, d)
				break
			}
		}
	}
	return matched
}

func latestTimestamps(descriptors []domain.ProjectDescriptor) map[string]string {
	latest := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		ts := string(d.Timestamp)
		current, ok := latest[d.Name]
		if !ok || newer(ts, current) {
			latest[d.Name] = ts
		}
	}
	return latest
}

// newer reports whether a is later than b. RFC3339 instants and numbers compare by value;
// anything else compares lexically.
func newer(a, b string) bool {
	if ta, err := time.Parse(time.RFC3339Nano, a); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, b); err == nil {
			return ta.After(tb)
		}
	}
	if na, err := strconv.ParseFloat(a, 64); err == nil {
		if nb, err := strconv.ParseFloat(b, 64); err == nil {
			return na > nb
		}
	}
	return a > b
}

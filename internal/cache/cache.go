package cache

import (
	"context"

	"github.com/splax/bibles/internal/domain"
)

const keyPrefix = "bibles:artifact:"

// ArtifactCache stores finished bibles per report snapshot. A report with the same id and
// timestamp produces the same bible, so a hit lets a run skip generation entirely.
type ArtifactCache interface {
	Get(ctx context.Context, project domain.Project) (domain.Bible, bool, error)
	Put(ctx context.Context, project domain.Project, bible domain.Bible) error
	Close() error
}

// Key returns the cache key for a project snapshot, or "" when the snapshot has no
// timestamp and therefore cannot be cached safely.
func Key(project domain.Project) string {
	if project.ID == "" || project.Timestamp == "" {
		return ""
	}
	return keyPrefix + project.ID + ":" + project.Timestamp
}

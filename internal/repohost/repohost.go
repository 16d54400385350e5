// Package repohost abstracts the source-hosting service (spec.md §1, §2):
// the system that owns each project's git repository. The concrete
// implementation (a GitHub/GitLab-backed service driven by the GH_TOKEN
// env var) is outside this module's scope; the pipeline only depends on
// this interface.
package repohost

import "context"

// Host creates and deletes per-project source repositories from a fixed
// template.
type Host interface {
	// CreateRepo provisions a new repository for project, seeded from
	// template.
	CreateRepo(ctx context.Context, project, template string) error
	// DeleteRepo removes project's repository.
	DeleteRepo(ctx context.Context, project string) error
}

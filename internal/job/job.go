// Package job defines the job descriptors exchanged between the queue and
// the agent, and the status lifecycle of a single job.
package job

import (
	"path"
	"strings"
	"time"
)

// Request is an immutable descriptor of a dequeued job.
type Request struct {
	// ID is the opaque unique job token assigned by the queue.
	ID string `json:"instanceId"`

	// ProjectID identifies the project owning the job. Used to key the repository cache.
	ProjectID string `json:"projectId,omitempty"`

	// Repository is the optional source repository to export into the payload.
	Repository *RepositoryRef `json:"repository,omitempty"`

	// Imports are additional resources the payload expects (URLs of dependencies).
	Imports []string `json:"imports,omitempty"`
}

// RepositoryRef points at a branch or commit of a remote repository.
type RepositoryRef struct {
	URL      string `json:"url"`
	Branch   string `json:"branch,omitempty"`
	CommitID string `json:"commitId,omitempty"`
	Path     string `json:"path,omitempty"`

	// SecretRef names the credential the provider should use. Opaque to the agent.
	SecretRef string `json:"secretRef,omitempty"`

	// PushedAt is the last push timestamp known to the queue.
	PushedAt time.Time `json:"lastPushedAt,omitempty"`
}

// Name returns the repository name derived from its URL.
func (r *RepositoryRef) Name() string {
	u := strings.TrimSuffix(strings.TrimRight(r.URL, "/"), ".git")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	if u == "" {
		return "repo"
	}
	return u
}

// Version returns the commit id if pinned, otherwise the branch, otherwise "default".
func (r *RepositoryRef) Version() string {
	switch {
	case r.CommitID != "":
		return r.CommitID
	case r.Branch != "":
		return r.Branch
	default:
		return "default"
	}
}

// CleanPath returns the sub-path cleaned of leading slashes and dot segments.
func (r *RepositoryRef) CleanPath() string {
	if r.Path == "" {
		return ""
	}
	p := path.Clean("/" + r.Path)
	return strings.TrimPrefix(p, "/")
}

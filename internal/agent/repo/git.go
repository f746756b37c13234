package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/internal/job"
)

// ErrNotFound marks provider failures caused by a missing repository or ref.
var ErrNotFound = errors.New("repository or ref not found")

// Provider materializes a repository ref into a local directory.
type Provider interface {
	Fetch(ctx context.Context, ref *job.RepositoryRef, creds *Credentials, dest string) error
}

// Credentials contains authentication credentials for git operations.
type Credentials struct {
	// Username for HTTPS auth (often "x-access-token" for tokens)
	Username string
	// Password or token for HTTPS auth
	Password string
	// SSHKeyPath is the path to the SSH key file
	SSHKeyPath string
}

// CredentialProvider issues credentials for a repository. Tokens are
// treated as opaque and short-lived.
type CredentialProvider interface {
	Credentials(ctx context.Context, ref *job.RepositoryRef) (*Credentials, error)
}

// StaticCredentials returns the same credentials for every repository.
type StaticCredentials struct {
	Creds *Credentials
}

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(context.Context, *job.RepositoryRef) (*Credentials, error) {
	return s.Creds, nil
}

// GitProvider fetches repositories with the git CLI.
type GitProvider struct {
	logger zerolog.Logger
	depth  int
}

// NewGitProvider creates a git provider. A depth of zero fetches full history.
func NewGitProvider(depth int, logger zerolog.Logger) *GitProvider {
	return &GitProvider{
		depth:  depth,
		logger: logger.With().Str("component", "git").Logger(),
	}
}

// Fetch clones ref into dest, or updates an existing clone in place.
func (g *GitProvider) Fetch(ctx context.Context, ref *job.RepositoryRef, creds *Credentials, dest string) error {
	if ref.URL == "" {
		return errors.New("repository URL is required")
	}

	env := buildGitEnv(creds)
	url := buildAuthenticatedURL(ref.URL, creds)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		args := []string{"clone"}
		if g.depth > 0 && ref.CommitID == "" {
			args = append(args, "--depth", fmt.Sprintf("%d", g.depth))
		}
		if ref.Branch != "" && ref.CommitID == "" {
			args = append(args, "--branch", ref.Branch, "--single-branch")
		}
		args = append(args, url, dest)

		g.logger.Debug().Str("url", ref.URL).Str("dest", dest).Msg("Cloning repository")
		if err := g.git(ctx, "", env, args...); err != nil {
			return err
		}
	} else {
		g.logger.Debug().Str("url", ref.URL).Str("dest", dest).Msg("Updating repository")
		if err := g.git(ctx, dest, env, "remote", "set-url", "origin", url); err != nil {
			return err
		}
		fetchArgs := []string{"fetch", "--prune", "origin"}
		if g.depth > 0 && ref.CommitID == "" {
			fetchArgs = append(fetchArgs, "--depth", fmt.Sprintf("%d", g.depth))
		}
		if err := g.git(ctx, dest, env, fetchArgs...); err != nil {
			return err
		}
	}

	target := "HEAD"
	switch {
	case ref.CommitID != "":
		target = ref.CommitID
	case ref.Branch != "":
		target = "origin/" + ref.Branch
	}

	if err := g.git(ctx, dest, env, "checkout", "--force", "--detach", target); err != nil {
		return err
	}
	if err := g.git(ctx, dest, env, "reset", "--hard", target); err != nil {
		return err
	}
	return g.git(ctx, dest, env, "clean", "-fdx")
}

func (g *GitProvider) git(ctx context.Context, dir string, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = env

	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	out := redact(string(output))
	if isNotFound(out) {
		return fmt.Errorf("%w: git %s: %s", ErrNotFound, args[0], strings.TrimSpace(out))
	}
	return fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, out)
}

func isNotFound(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"repository not found",
		"not found",
		"couldn't find remote ref",
		"did not match any",
		"does not appear to be a git repository",
		"reference is not a tree",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var userinfoPattern = regexp.MustCompile(`://[^/@\s]+@`)

// redact strips userinfo from URLs echoed in git output.
func redact(s string) string {
	return userinfoPattern.ReplaceAllString(s, "://***@")
}

// buildAuthenticatedURL builds a URL with credentials if provided.
func buildAuthenticatedURL(url string, creds *Credentials) string {
	if creds == nil || (creds.Username == "" && creds.Password == "") {
		return url
	}

	if strings.HasPrefix(url, "https://") {
		user := creds.Username
		if user == "" {
			user = "x-access-token"
		}
		return fmt.Sprintf("https://%s:%s@%s", user, creds.Password, strings.TrimPrefix(url, "https://"))
	}

	return url
}

// buildGitEnv builds environment variables for git commands.
func buildGitEnv(creds *Credentials) []string {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if creds != nil && creds.SSHKeyPath != "" {
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=no", creds.SSHKeyPath))
	}

	return env
}

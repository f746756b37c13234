package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_MonotonicTransitions(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StatusRunning, tr.Status())

	assert.False(t, tr.Finish(StatusRunning), "RUNNING is not terminal")
	require.True(t, tr.Finish(StatusCancelled))

	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel should be closed after terminal transition")
	}

	assert.False(t, tr.Finish(StatusFailed))
	assert.False(t, tr.Finish(StatusFinished))
	assert.Equal(t, StatusCancelled, tr.Status())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("FINISHED")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, s)

	_, err = ParseStatus("SUSPENDED")
	assert.Error(t, err)
}

func TestRepositoryRef_Naming(t *testing.T) {
	tests := []struct {
		name    string
		ref     RepositoryRef
		repo    string
		version string
	}{
		{"https with .git", RepositoryRef{URL: "https://git.example.com/org/flows.git", Branch: "main"}, "flows", "main"},
		{"scp style", RepositoryRef{URL: "git@git.example.com:org/flows.git", CommitID: "abc123", Branch: "main"}, "flows", "abc123"},
		{"trailing slash", RepositoryRef{URL: "https://git.example.com/org/tools/"}, "tools", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.repo, tt.ref.Name())
			assert.Equal(t, tt.version, tt.ref.Version())
		})
	}
}

func TestRepositoryRef_CleanPath(t *testing.T) {
	ref := RepositoryRef{Path: "../../etc/flows/"}
	assert.Equal(t, "etc/flows", ref.CleanPath())

	ref = RepositoryRef{}
	assert.Equal(t, "", ref.CleanPath())
}

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withlazers/deployment-withlazers/internal/git"
	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
)

var (
	service1Entry = SubmoduleEntry{Name: "service1", Path: "service1", URL: "https://example.com/org/service1.git"}
	service2Entry = SubmoduleEntry{Name: "svc2", Path: "libs/service2", URL: "https://example.com/org/service2.git"}
	mainBase      = Base{Branch: "main", Tip: hashA}
)

// syncCommit returns a commit created by the pipeline for path.
func syncCommit(hash, parent, path string) *gitbackend.Commit {
	return &gitbackend.Commit{
		Hash:         hash,
		ParentHashes: []string{parent},
		Message:      BuildMessage(Trailers{Submodule: path, Branch: "feature/x", From: hashA, To: hash}, ""),
	}
}

func mergeBaseAt(hash string) func(a, b string) (string, bool, error) {
	return func(string, string) (string, bool, error) { return hash, true, nil }
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    Options
		svc     git.ServiceRef
		entry   SubmoduleEntry
		backend *fakeBackend
		want    Target
		wantErr error
	}{
		{
			name:    "new_branch",
			svc:     git.ServiceRef{Branch: "feature/x"},
			entry:   service1Entry,
			backend: &fakeBackend{},
			want:    Target{Branch: "feature/x", BaseBranch: "main", BaseTip: hashA},
		},
		{
			name:  "existing_branch_owned_by_same_submodule",
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashB},
				commits:        map[string]*gitbackend.Commit{hashB: syncCommit(hashB, hashA, "service1")},
				mergeBaseFunc:  mergeBaseAt(hashA),
			},
			want: Target{Branch: "feature/x", BaseBranch: "main", BaseTip: hashA, Existed: true, Tip: hashB},
		},
		{
			name:  "existing_branch_shared_by_both",
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashC},
				commits: map[string]*gitbackend.Commit{
					hashC: syncCommit(hashC, hashB, "libs/service2"),
					hashB: syncCommit(hashB, hashA, "service1"),
				},
				mergeBaseFunc: mergeBaseAt(hashA),
			},
			want: Target{Branch: "feature/x", BaseBranch: "main", BaseTip: hashA, Existed: true, Tip: hashC},
		},
		{
			name:  "human_branch_is_shared",
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashB},
				commits:        map[string]*gitbackend.Commit{hashB: {Hash: hashB, ParentHashes: []string{hashA}, Message: "manual\n"}},
				mergeBaseFunc:  mergeBaseAt(hashA),
			},
			want: Target{Branch: "feature/x", BaseBranch: "main", BaseTip: hashA, Existed: true, Tip: hashB},
		},
		{
			name:  "collision_is_qualified",
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashB},
				commits:        map[string]*gitbackend.Commit{hashB: syncCommit(hashB, hashA, "libs/service2")},
				mergeBaseFunc:  mergeBaseAt(hashA),
			},
			want: Target{Branch: "service1/feature/x", BaseBranch: "main", BaseTip: hashA, Qualified: true},
		},
		{
			name:  "collision_fails",
			opts:  Options{Collision: CollisionFail},
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashB},
				commits:        map[string]*gitbackend.Commit{hashB: syncCommit(hashB, hashA, "libs/service2")},
				mergeBaseFunc:  mergeBaseAt(hashA),
			},
			wantErr: ErrBranchCollision,
		},
		{
			name:  "shared_ignores_collision",
			opts:  Options{Collision: CollisionShared},
			svc:   git.ServiceRef{Branch: "feature/x"},
			entry: service1Entry,
			backend: &fakeBackend{
				remoteBranches: map[string]string{"feature/x": hashB},
			},
			want: Target{Branch: "feature/x", BaseBranch: "main", BaseTip: hashA, Existed: true, Tip: hashB},
		},
		{
			name:    "always_qualify_with_format",
			opts:    Options{Collision: CollisionAlwaysQualify, QualifyFormat: "sync/{name}/{branch}"},
			svc:     git.ServiceRef{Branch: "feature/x"},
			entry:   service2Entry,
			backend: &fakeBackend{},
			want:    Target{Branch: "sync/svc2/feature/x", BaseBranch: "main", BaseTip: hashA, Qualified: true},
		},
		{
			name:    "service_branch_named_like_composite_primary",
			svc:     git.ServiceRef{Branch: "main", PrimaryBranch: "develop"},
			opts:    Options{PrimaryBranches: []string{}},
			entry:   service1Entry,
			backend: &fakeBackend{},
			want:    Target{Branch: "service1/main", BaseBranch: "main", BaseTip: hashA, Qualified: true},
		},
		{
			name:    "primary_branch",
			svc:     git.ServiceRef{Branch: "master"},
			entry:   service1Entry,
			backend: &fakeBackend{},
			wantErr: ErrPrimaryBranch,
		},
		{
			name:    "origin_head_is_primary",
			svc:     git.ServiceRef{Branch: "develop", PrimaryBranch: "develop"},
			entry:   service1Entry,
			backend: &fakeBackend{},
			wantErr: ErrPrimaryBranch,
		},
		{
			name:    "track_primary",
			opts:    Options{TrackPrimary: true},
			svc:     git.ServiceRef{Branch: "main"},
			entry:   service1Entry,
			backend: &fakeBackend{},
			want:    Target{Branch: "main", BaseBranch: "main", BaseTip: hashA, Existed: true, Tip: hashA},
		},
		{
			name:    "invalid_name",
			svc:     git.ServiceRef{Branch: "feature..x"},
			entry:   service1Entry,
			backend: &fakeBackend{},
			wantErr: ErrInvalidBranchName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := tt.svc
			got, err := NewResolver(tt.opts).Resolve(context.Background(), tt.backend, &svc, tt.entry, mainBase)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOwnersStopsAtMergeBase(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		commits: map[string]*gitbackend.Commit{
			hashD: syncCommit(hashD, hashC, "service1"),
			hashC: syncCommit(hashC, hashB, "service1"),
			hashB: syncCommit(hashB, hashA, "libs/service2"),
		},
		mergeBaseFunc: mergeBaseAt(hashB),
	}
	owners, err := Owners(b, hashD, hashA)
	require.NoError(t, err)
	assert.Equal(t, []string{"service1"}, owners)
}

func TestOwnersWrapsBackendErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	b := &fakeBackend{mergeBaseFunc: func(string, string) (string, bool, error) { return "", false, boom }}
	_, err := Owners(b, hashB, hashA)
	require.ErrorIs(t, err, ErrBackend)
	require.ErrorIs(t, err, boom)
}

func TestValidateBranchName(t *testing.T) {
	t.Parallel()

	valid := []string{"main", "feature/a_feature", "service1/feature/x", "libs/service2/fix-1", "v1.2"}
	for _, name := range valid {
		assert.NoError(t, ValidateBranchName(name), name)
	}
	invalid := []string{
		"", "@", "-x", "/x", "x/", "x.", "a..b", "a//b", "a@{b", "a b", "a~b", "a^b", "a:b",
		"a?b", "a*b", "a[b", `a\b`, "a/.hidden", "a.lock", "a/b.lock/c", "tab\tname",
	}
	for _, name := range invalid {
		err := ValidateBranchName(name)
		assert.ErrorIs(t, err, ErrInvalidBranchName, name)
	}
}

func TestValidateQualifyFormat(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateQualifyFormat(DefaultQualifyFormat))
	assert.NoError(t, ValidateQualifyFormat("sync/{name}/{branch}"))
	assert.Error(t, ValidateQualifyFormat("{submodule}"))
	assert.Error(t, ValidateQualifyFormat("{branch}"))
	assert.Error(t, ValidateQualifyFormat(""))
}

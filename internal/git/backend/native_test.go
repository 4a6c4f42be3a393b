package backend

import (
	"errors"
	"fmt"
	"testing"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
)

func TestIsRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "stale_required_ref", err: errors.New("remote ref refs/heads/x required to be 1111 but is 2222"), want: true},
		{name: "force_needed", err: fmt.Errorf("push: %w", gitlib.ErrForceNeeded), want: true},
		{name: "non_fast_forward", err: gitlib.ErrNonFastForwardUpdate, want: true},
		{name: "remote_fetch_first", err: errors.New("refs/heads/x: rejected (fetch first)"), want: true},
		{name: "missing_object", err: fmt.Errorf("push: %w", plumbing.ErrObjectNotFound), want: false},
		{name: "hook_declined", err: errors.New("refs/heads/x: pre-receive hook declined"), want: false},
		{name: "ref_update_failed", err: errors.New("refs/heads/x: failed to update ref"), want: false},
		{name: "transport", err: errors.New("connection refused"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isRejection(tt.err))
		})
	}
}

package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gitbackend "github.com/withlazers/deployment-withlazers/internal/git/backend"
	"github.com/withlazers/deployment-withlazers/internal/pipeline"
)

var (
	hashA = strings.Repeat("a", 40)
	hashB = strings.Repeat("b", 40)
	hashC = strings.Repeat("c", 40)
)

func TestGitlinkDiff(t *testing.T) {
	t.Parallel()

	subs := []gitbackend.Submodule{
		{Path: "libs/service2", RecordedCommit: hashB},
		{Path: "service1", RecordedCommit: hashA},
	}
	u := &pipeline.PendingUpdate{
		Target:        pipeline.Target{Branch: "feature/a_feature", BaseBranch: "main"},
		SubmodulePath: "service1",
		FromCommit:    hashA,
		ToCommit:      hashC,
	}
	got, err := GitlinkDiff(subs, u)
	require.NoError(t, err)

	want := "--- a/main\n" +
		"+++ b/feature/a_feature\n" +
		"@@ -1,2 +1,2 @@\n" +
		" 160000 commit " + hashB + "\tlibs/service2\n" +
		"-160000 commit " + hashA + "\tservice1\n" +
		"+160000 commit " + hashC + "\tservice1\n"
	assert.Equal(t, want, got)
}

func TestGitlinkDiffExistingBranch(t *testing.T) {
	t.Parallel()

	u := &pipeline.PendingUpdate{
		Target:        pipeline.Target{Branch: "fix", BaseBranch: "main", Existed: true},
		SubmodulePath: "service1",
		ToCommit:      hashC,
	}
	got, err := GitlinkDiff([]gitbackend.Submodule{{Path: "service1", RecordedCommit: hashA}}, u)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "--- a/fix\n+++ b/fix\n"), got)
}

func TestPrinter(t *testing.T) {
	t.Parallel()

	diff := "--- a/main\n+++ b/x\n@@ -1 +1 @@\n-old\n+new"

	var plain bytes.Buffer
	p := NewPrinter(&plain, false)
	require.NoError(t, p.Outcome(pipeline.Outcome{Kind: pipeline.KindNoOp, Reason: "up to date"}))
	require.NoError(t, p.Diff(diff))
	assert.Equal(t, "nothing to do: up to date\n"+diff+"\n", plain.String())

	var colored bytes.Buffer
	require.NoError(t, NewPrinter(&colored, true).Diff(diff))
	assert.Contains(t, colored.String(), "\x1b[")
	assert.Contains(t, colored.String(), "new")
}

func TestPrinterSkipsEmptyDiff(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, true).Diff(""))
	assert.Empty(t, buf.String())
}

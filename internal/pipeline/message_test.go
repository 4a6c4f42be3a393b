package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccc"
	hashD = "dddddddddddddddddddddddddddddddddddddddd"
)

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	tr := Trailers{Submodule: "service1", Branch: "feature/a_feature", From: hashA, To: hashB}
	got := BuildMessage(tr, "  Add feature\n\nLonger body.\n")
	want := "Update submodule service1 to " + hashB + "\n" +
		"\n" +
		"Service branch: feature/a_feature\n" +
		"Previous commit: " + hashA + "\n" +
		"New commit: " + hashB + "\n" +
		"---\n" +
		"Add feature\n" +
		"\n" +
		"Longer body.\n" +
		"\n" +
		"Composite-Sync-Submodule: service1\n" +
		"Composite-Sync-Branch: feature/a_feature\n" +
		"Composite-Sync-From: " + hashA + "\n" +
		"Composite-Sync-To: " + hashB + "\n"
	assert.Equal(t, want, got)

	parsed, ok := ParseTrailers(got)
	require.True(t, ok)
	assert.Equal(t, tr, parsed)
}

func TestBuildMessageWithoutServiceMessage(t *testing.T) {
	t.Parallel()

	tr := Trailers{Submodule: "libs/service2", Branch: "fix", From: hashC, To: hashD}
	got := BuildMessage(tr, "   \n")
	assert.NotContains(t, got, "---")

	parsed, ok := ParseTrailers(got)
	require.True(t, ok)
	assert.Equal(t, tr, parsed)
}

func TestParseTrailers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want Trailers
		ok   bool
	}{
		{name: "human_commit", msg: "Fix typo\n\nSigned-off-by: Someone <s@example.com>\n", ok: false},
		{name: "empty", msg: "", ok: false},
		{
			name: "quoted_in_body_only",
			msg:  "Revert\n\nComposite-Sync-Submodule: service1\n\nSigned-off-by: Someone <s@example.com>\n",
			ok:   false,
		},
		{
			name: "trailing_whitespace",
			msg:  "Update\n\nComposite-Sync-Submodule:  service1 \nComposite-Sync-Branch: b\n\n\n",
			want: Trailers{Submodule: "service1", Branch: "b"},
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseTrailers(tt.msg)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

package tasktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBalanced(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "complete object",
			in:   `{"taskTree":{"title":"Root"}}`,
			want: `{"title":"Root"}`,
			ok:   true,
		},
		{
			name: "nested children",
			in:   `{"taskTree":{"title":"Root","children":[{"title":"A"}]}} trailing`,
			want: `{"title":"Root","children":[{"title":"A"}]}`,
			ok:   true,
		},
		{
			name: "braces inside strings ignored",
			in:   `{"taskTree":{"title":"has { and } inside"}}`,
			want: `{"title":"has { and } inside"}`,
			ok:   true,
		},
		{
			name: "escaped quote inside string",
			in:   `{"taskTree":{"title":"say \"hi\" {"}}`,
			want: `{"title":"say \"hi\" {"}`,
			ok:   true,
		},
		{
			name: "truncated buffer",
			in:   `{"taskTree":{"title":"Root","chi`,
			ok:   false,
		},
		{
			name: "key missing",
			in:   `{"other":{"title":"Root"}}`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractBalanced(tt.in, DefaultKey)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRenderTree(t *testing.T) {
	root := Node{
		Title: "Root",
		Children: []Node{
			{Title: "A", Children: []Node{
				{Title: "A1"},
				{Title: "A2"},
			}},
			{Title: "B"},
		},
	}

	lines := RenderTree(root)
	assert.Equal(t, []string{
		"\U0001F4CB Root",
		"├─ A",
		"│  ├─ A1",
		"│  └─ A2",
		"└─ B",
	}, lines)
}

func TestRenderTreeLastChildIndent(t *testing.T) {
	root := Node{
		Title: "Root",
		Children: []Node{
			{Title: "A"},
			{Title: "B", Children: []Node{{Title: "B1"}}},
		},
	}

	lines := RenderTree(root)
	assert.Equal(t, []string{
		"\U0001F4CB Root",
		"├─ A",
		"└─ B",
		"   └─ B1",
	}, lines)
}

func TestFeedTwoChunkScenario(t *testing.T) {
	// The buffer arrives in two chunks; the first is truncated and only
	// the incremental scanner can see the root title. The second chunk
	// completes the object and must not repeat the root line.
	e := NewExtractor("")

	first := `{"taskTree":{"title":"Root","chi`
	lines := e.Feed(first)
	assert.Equal(t, []string{"\U0001F4CB Root"}, lines)

	full := first + `ldren":[{"title":"Child A"}]}}`
	lines = e.Feed(full)
	assert.Equal(t, []string{"└─ Child A"}, lines)

	// Nothing new on a re-feed.
	assert.Empty(t, e.Feed(full))
}

func TestFeedIncrementalTitles(t *testing.T) {
	e := NewExtractor(DefaultKey)

	lines := e.Feed(`{"taskTree":{"title":"Root","children":[{"title":"A"},{"ti`)
	assert.Equal(t, []string{"\U0001F4CB Root", "├─ A"}, lines)

	lines = e.Feed(`{"taskTree":{"title":"Root","children":[{"title":"A"},{"title":"B","chil`)
	assert.Equal(t, []string{"├─ B"}, lines)
}

func TestFeedStripsFences(t *testing.T) {
	e := NewExtractor(DefaultKey)
	buf := "```json\n{\"taskTree\":{\"title\":\"Root\"}}\n```"
	lines := e.Feed(buf)
	assert.Equal(t, []string{"\U0001F4CB Root"}, lines)
}

func TestFeedRegexFallback(t *testing.T) {
	// A stray quote desyncs the incremental tokenizer, so only the
	// single-title regex can make progress.
	e := NewExtractor(DefaultKey)
	lines := e.Feed(`x" {"title": "Standalone"}`)
	require.Len(t, lines, 1)
	assert.Equal(t, "\U0001F4CB Standalone", lines[0])

	assert.Empty(t, e.Feed(`x" {"title": "Standalone"}`))
}

func TestFeedNoProgressOnGarbage(t *testing.T) {
	e := NewExtractor(DefaultKey)
	assert.Empty(t, e.Feed("no structure here"))
}

func TestFeedTruncatedTitleValueWaits(t *testing.T) {
	e := NewExtractor(DefaultKey)
	assert.Empty(t, e.Feed(`{"taskTree":{"title":"Ro`))

	lines := e.Feed(`{"taskTree":{"title":"Root"`)
	assert.Equal(t, []string{"\U0001F4CB Root"}, lines)
}

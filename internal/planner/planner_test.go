package planner

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapWeigher returns fixed weights per path.
type mapWeigher map[string]int

func (m mapWeigher) Weigh(path string) int { return m[path] }

func changed(paths ...string) []ChangedFile {
	out := make([]ChangedFile, len(paths))
	for i, p := range paths {
		out[i] = ChangedFile{Path: p}
	}
	return out
}

func TestBuildEmptyChangeSet(t *testing.T) {
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: mapWeigher{}}
	plan := p.Build(nil)
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Batches)
}

func TestBuildSingleBatch(t *testing.T) {
	w := mapWeigher{"a.go": 200, "b.go": 400, "c.go": 600}
	p := &Planner{MaxTokensPerBatch: 5000, ContextMapTokens: 262144, Weigher: w}

	plan := p.Build(changed("a.go", "b.go", "c.go"))
	require.Len(t, plan.Batches, 1)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, plan.Batches[0].Files)
	assert.Equal(t, 1200, plan.Batches[0].Tokens)
	assert.Equal(t, 262144, plan.Batches[0].ContextMapTokens)
}

func TestBuildGreedyMultiBatch(t *testing.T) {
	// Six files of 3000 tokens at a 5000 budget: each batch holds one file,
	// since adding a second would reach 6000.
	w := mapWeigher{}
	files := changed("f1", "f2", "f3", "f4", "f5", "f6")
	for _, f := range files {
		w[f.Path] = 3000
	}
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: w}

	plan := p.Build(files)
	require.Len(t, plan.Batches, 6)
	for i, b := range plan.Batches {
		assert.Equal(t, i, b.Index)
		assert.LessOrEqual(t, b.Tokens, 5000)
		assert.Len(t, b.Files, 1)
	}
}

func TestBuildPacksUpToBudget(t *testing.T) {
	w := mapWeigher{"a": 2000, "b": 2000, "c": 2000, "d": 500}
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: w}

	plan := p.Build(changed("a", "b", "c", "d"))
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, []string{"a", "b"}, plan.Batches[0].Files)
	assert.Equal(t, []string{"c", "d"}, plan.Batches[1].Files)
}

func TestBuildOversizeFile(t *testing.T) {
	w := mapWeigher{"small.go": 100, "huge.go": 9000, "tail.go": 100}
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: w}

	plan := p.Build(changed("small.go", "huge.go", "tail.go"))
	require.Len(t, plan.Batches, 3)
	assert.False(t, plan.Batches[0].Oversize)
	assert.True(t, plan.Batches[1].Oversize)
	assert.Equal(t, []string{"huge.go"}, plan.Batches[1].Files)
	assert.Equal(t, []string{"tail.go"}, plan.Batches[2].Files)
}

func TestBuildRoundTripPreservesOrder(t *testing.T) {
	w := mapWeigher{"a": 3000, "b": 3000, "c": 100, "d": 9000, "e": 50}
	input := changed("a", "b", "c", "d", "e")
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: w}

	plan := p.Build(input)

	var flattened []string
	for _, b := range plan.Batches {
		flattened = append(flattened, b.Files...)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, flattened)
	assert.Equal(t, flattened, plan.Files)
}

func TestBuildDeterministic(t *testing.T) {
	w := mapWeigher{"a": 1000, "b": 4500, "c": 200}
	p := &Planner{MaxTokensPerBatch: 5000, Weigher: w}

	first := p.Build(changed("a", "b", "c"))
	second := p.Build(changed("a", "b", "c"))
	assert.Equal(t, first, second)
}

func TestFilterReviewable(t *testing.T) {
	p := &Planner{ValidExtensions: []string{".go", ".py"}}
	in := changed("main.go", "README.md", "script.PY", "image.png")
	out := p.FilterReviewable(in)
	require.Len(t, out, 2)
	assert.Equal(t, "main.go", out[0].Path)
	assert.Equal(t, "script.PY", out[1].Path)
}

func TestByteRatioWeigher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/f.go", 350))

	w := ByteRatioWeigher{Root: dir, CharsPerToken: 3.5}
	assert.Equal(t, 100, w.Weigh("f.go"))
	assert.Equal(t, 0, w.Weigh("missing.go"))
}

func writeFile(path string, size int) error {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 'x'
	}
	return os.WriteFile(path, buf, 0o644)
}

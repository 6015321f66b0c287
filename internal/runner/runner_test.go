package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript installs an executable shell script acting as the assistant
// binary and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-assistant")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunCapturesReport(t *testing.T) {
	bin := writeScript(t, `echo "🔴 critical: something"; echo "env base=$OPENAI_API_BASE model=$AIDER_MODEL" >&2`)
	a := &Assistant{
		Binary:  bin,
		Model:   "qwen",
		APIBase: "http://vllm:8000/v1",
		APIKey:  "k",
		Timeout: 10 * time.Second,
	}

	res, err := a.Run(context.Background(), Invocation{
		TaskID: "t1",
		Dir:    t.TempDir(),
		Files:  []string{"a.go"},
		Prompt: CommitPrompt(),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Report, "🔴 critical")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunPassesArguments(t *testing.T) {
	// The script echoes its argv so the test can assert flag construction.
	bin := writeScript(t, `printf '%s\n' "$@"`)
	a := &Assistant{Binary: bin, MapTokens: 4096, Timeout: 10 * time.Second}

	res, err := a.Run(context.Background(), Invocation{
		Dir:    t.TempDir(),
		Files:  []string{"x.go", "y.go"},
		Prompt: "review",
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Report), "\n")
	assert.Contains(t, lines, "--no-auto-commits")
	assert.Contains(t, lines, "--no-git")
	assert.Contains(t, lines, "--map-tokens")
	assert.Contains(t, lines, "4096")
	assert.Equal(t, "y.go", lines[len(lines)-1])
}

func TestRunNoRepoMap(t *testing.T) {
	bin := writeScript(t, `printf '%s\n' "$@"`)
	a := &Assistant{Binary: bin, NoRepoMap: true, MapTokens: 4096, Timeout: 10 * time.Second}

	res, err := a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, res.Report, "--no-repo-map")
	assert.NotContains(t, res.Report, "--map-tokens")
}

// mapSettings is an in-memory Settings source for tests.
type mapSettings map[string]string

func (m mapSettings) GetSetting(_ context.Context, key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

func (m mapSettings) GetSettingInt(ctx context.Context, key string, def int) int {
	v := m.GetSetting(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (m mapSettings) GetSettingBool(ctx context.Context, key string, def bool) bool {
	switch m.GetSetting(ctx, key, "") {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

func TestRunResolvesSettingsPerInvocation(t *testing.T) {
	bin := writeScript(t, `printf '%s\n' "$@"; echo "model=$AIDER_MODEL"; echo "key=$OPENAI_API_KEY"`)
	a := &Assistant{
		Binary:    bin,
		Model:     "config-model",
		APIKey:    "config-key",
		MapTokens: 1024,
		Timeout:   10 * time.Second,
		Settings: mapSettings{
			"assistant_model":      "tuned-model",
			"assistant_map_tokens": "2048",
		},
	}

	res, err := a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Report), "\n")
	// Stored values win; keys without a row fall back to the struct fields.
	assert.Contains(t, lines, "2048")
	assert.NotContains(t, lines, "1024")
	assert.Contains(t, res.Report, "model=tuned-model")
	assert.Contains(t, res.Report, "key=config-key")

	// A write between invocations takes effect on the next run.
	a.Settings.(mapSettings)["assistant_api_key"] = "rotated-key"
	res, err = a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, res.Report, "key=rotated-key")
}

func TestRunScopedEnvironment(t *testing.T) {
	t.Setenv("SUPER_SECRET", "do-not-leak")
	bin := writeScript(t, `echo "secret=[$SUPER_SECRET] key=[$OPENAI_API_KEY]"`)
	a := &Assistant{Binary: bin, APIKey: "batch-key", Timeout: 10 * time.Second}

	res, err := a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, res.Report, "secret=[]")
	assert.Contains(t, res.Report, "key=[batch-key]")
}

func TestRunTimeout(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	a := &Assistant{Binary: bin, Timeout: 200 * time.Millisecond, KillGrace: 100 * time.Millisecond}

	start := time.Now()
	_, err := a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeScript(t, `echo "boom" >&2; exit 3`)
	a := &Assistant{Binary: bin, Timeout: 10 * time.Second}

	_, err := a.Run(context.Background(), Invocation{Dir: t.TempDir(), Prompt: "p"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestRunContextCancelled(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	a := &Assistant{Binary: bin, Timeout: time.Minute, KillGrace: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := a.Run(ctx, Invocation{Dir: t.TempDir(), Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	b.limit = 10
	n, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "0123456789", b.buf.String())

	n, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123456789", b.buf.String())
}

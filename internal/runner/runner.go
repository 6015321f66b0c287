// Package runner spawns the external code-assistant subprocess that produces
// the textual review report for one batch of files.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// ErrTimeout reports that the subprocess exceeded the per-batch wall clock.
var ErrTimeout = errors.New("assistant timed out")

// Invocation describes one subprocess run.
type Invocation struct {
	TaskID string
	Dir    string   // checkout path, becomes the working directory
	Files  []string // batch files, relative to Dir
	Prompt string   // strategy-specific preamble
}

// Result carries the captured report and timing of a finished run.
type Result struct {
	Report   string
	Duration time.Duration
}

// Runner is implemented by the assistant subprocess wrapper and by test
// fakes.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Settings resolves runtime overrides for the assistant. The store-backed
// implementation lets operators retune the model without a restart; the
// Assistant's own fields act as defaults for unset keys.
type Settings interface {
	GetSetting(ctx context.Context, key, def string) string
	GetSettingInt(ctx context.Context, key string, def int) int
	GetSettingBool(ctx context.Context, key string, def bool) bool
}

// Settings keys consulted per invocation.
const (
	settingModel          = "assistant_model"
	settingAPIBase        = "assistant_api_base"
	settingAPIKey         = "assistant_api_key"
	settingMapTokens      = "assistant_map_tokens"
	settingNoRepoMap      = "assistant_no_repo_map"
	settingTimeoutMinutes = "batch_timeout_minutes"
)

// Assistant runs the configured assistant binary (aider by default) once per
// batch. Model credentials are passed as explicit child-env entries; the
// child never inherits the parent environment. When Settings is set, model,
// endpoint, map tokens and timeout are re-resolved on every invocation.
type Assistant struct {
	Binary    string
	ExtraArgs []string

	Model   string
	APIBase string
	APIKey  string

	NoRepoMap bool
	MapTokens int

	Timeout   time.Duration // wall clock per batch
	KillGrace time.Duration // delay between terminate and kill
	MaxOutput int64         // stdout capture cap in bytes

	Settings Settings
	Logger   *slog.Logger
}

const (
	defaultTimeout   = 30 * time.Minute
	defaultKillGrace = 10 * time.Second
	defaultMaxOutput = 8 << 20
)

// Run invokes the assistant for one batch. Stdout is the report; stderr goes
// to the log. On timeout the process receives a terminate signal and, after
// the kill grace, a kill; the error wraps ErrTimeout.
func (a *Assistant) Run(ctx context.Context, inv Invocation) (*Result, error) {
	model, apiBase, apiKey := a.Model, a.APIBase, a.APIKey
	mapTokens, noRepoMap := a.MapTokens, a.NoRepoMap
	timeout := a.Timeout
	if a.Settings != nil {
		model = a.Settings.GetSetting(ctx, settingModel, model)
		apiBase = a.Settings.GetSetting(ctx, settingAPIBase, apiBase)
		apiKey = a.Settings.GetSetting(ctx, settingAPIKey, apiKey)
		mapTokens = a.Settings.GetSettingInt(ctx, settingMapTokens, mapTokens)
		noRepoMap = a.Settings.GetSettingBool(ctx, settingNoRepoMap, noRepoMap)
		if m := a.Settings.GetSettingInt(ctx, settingTimeoutMinutes, 0); m > 0 {
			timeout = time.Duration(m) * time.Minute
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := a.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	maxOut := a.MaxOutput
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--no-auto-commits",
		"--no-git",
		"--yes",
		"--no-pretty",
		"--message", inv.Prompt,
	}
	if noRepoMap {
		args = append(args, "--no-repo-map")
	} else if mapTokens > 0 {
		args = append(args, "--map-tokens", strconv.Itoa(mapTokens))
	}
	args = append(args, a.ExtraArgs...)
	args = append(args, inv.Files...)

	cmd := exec.CommandContext(runCtx, a.Binary, args...)
	cmd.Dir = inv.Dir
	cmd.Env = childEnv(model, apiBase, apiKey)
	cmd.Cancel = func() error {
		// Ask nicely first; WaitDelay escalates to kill.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	var stdout cappedBuffer
	stdout.limit = maxOut
	var stderr cappedBuffer
	stderr.limit = 64 << 10
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	before := snapshotFiles(inv.Dir, inv.Files)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if tail := bytes.TrimSpace(stderr.buf.Bytes()); len(tail) > 0 {
		log.Debug("assistant stderr", "task_id", inv.TaskID, "stderr", string(tail))
	}
	if changed := diffSnapshots(before, snapshotFiles(inv.Dir, inv.Files)); len(changed) > 0 {
		log.Warn("assistant modified working copy", "task_id", inv.TaskID, "files", changed)
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("assistant %s: %w", a.Binary, err)
	}
	return &Result{Report: stdout.buf.String(), Duration: elapsed}, nil
}

// childEnv builds the subprocess environment from scratch. Only the model
// endpoint credentials and a minimal locale/path base are present; unrelated
// secrets from the daemon's own environment stay out.
func childEnv(model, apiBase, apiKey string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=" + os.Getenv("LANG"),
		"TERM=dumb",
	}
	if apiBase != "" {
		env = append(env, "OPENAI_API_BASE="+apiBase)
	}
	if apiKey != "" {
		env = append(env, "OPENAI_API_KEY="+apiKey)
	}
	if model != "" {
		env = append(env, "AIDER_MODEL="+model)
	}
	return env
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func snapshotFiles(dir string, files []string) map[string]fileStamp {
	out := make(map[string]fileStamp, len(files))
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, f))
		if err != nil {
			continue
		}
		out[f] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return out
}

func diffSnapshots(before, after map[string]fileStamp) []string {
	var changed []string
	for f, b := range before {
		a, ok := after[f]
		if !ok || a != b {
			changed = append(changed, f)
		}
	}
	for f := range after {
		if _, ok := before[f]; !ok {
			changed = append(changed, f)
		}
	}
	return changed
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a
// runaway subprocess cannot exhaust memory.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

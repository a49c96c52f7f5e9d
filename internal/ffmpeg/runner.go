// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ffmpeg shells out to the media tools. Each job runs the tool as
// a direct subprocess with a per-kind deadline; stderr is kept in a ring
// buffer so failures carry the tool's own diagnosis.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ManuGH/clipd/internal/log"
)

// Tool names a runnable binary for error reporting.
type Tool string

const (
	ToolFFmpeg  Tool = "ffmpeg"
	ToolFFprobe Tool = "ffprobe"
)

// ExecError is a failed tool invocation with its stderr tail.
type ExecError struct {
	Tool     Tool
	ExitCode int
	TimedOut bool
	Stderr   []string
}

func (e *ExecError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out", e.Tool)
	}
	if len(e.Stderr) > 0 {
		return fmt.Sprintf("%s exited %d: %s", e.Tool, e.ExitCode, e.Stderr[len(e.Stderr)-1])
	}
	return fmt.Sprintf("%s exited %d", e.Tool, e.ExitCode)
}

// permanentPatterns mark input the tool can never process. Anything else
// (timeouts, kills, resource pressure) is worth retrying.
var permanentPatterns = []string{
	"Invalid data found when processing input",
	"Invalid argument",
	"does not contain any stream",
	"No such file or directory",
	"Unknown encoder",
	"could not find codec parameters",
	"moov atom not found",
}

// IsTransient classifies a tool failure for the worker's retry policy.
// Timeouts and signals are transient; recognizably corrupt or missing
// input is permanent.
func IsTransient(err error) bool {
	var ee *ExecError
	if !errors.As(err, &ee) {
		// Non-exec failures around the run (I/O, db) default to retryable.
		return true
	}
	if ee.TimedOut || ee.ExitCode < 0 {
		return true
	}
	for _, line := range ee.Stderr {
		for _, pat := range permanentPatterns {
			if strings.Contains(line, pat) {
				return false
			}
		}
	}
	return true
}

// Runner executes media tool invocations.
type Runner struct {
	FFmpegPath  string
	FFprobePath string
	// KillWait is how long a cancelled process gets between SIGTERM and
	// SIGKILL.
	KillWait time.Duration
}

// NewRunner builds a runner with binary path defaults.
func NewRunner(ffmpegPath, ffprobePath string) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Runner{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, KillWait: 5 * time.Second}
}

// Run executes one ffmpeg invocation under ctx. onProgress, if non-nil,
// receives the output timestamp as the encode advances.
func (r *Runner) Run(ctx context.Context, args []string, onProgress func(time.Duration)) error {
	full := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error"}, args...)
	if onProgress != nil {
		full = append([]string{"-progress", "pipe:1", "-nostats"}, full...)
	}

	cmd := exec.CommandContext(ctx, r.FFmpegPath, full...) // #nosec G204
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.KillWait

	ring := NewLineRing(64)
	cmd.Stderr = ring

	logger := log.WithContext(ctx, log.WithComponent("ffmpeg"))
	logger.Debug().Str("command", cmd.String()).Msg("starting media tool")

	if onProgress != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		go func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if d, ok := parseProgressLine(scanner.Text()); ok {
					onProgress(d)
				}
			}
		}()
	}

	start := time.Now()
	err := cmd.Run()
	runDuration.WithLabelValues(string(ToolFFmpeg)).Observe(time.Since(start).Seconds())

	if err != nil {
		ee := &ExecError{
			Tool:     ToolFFmpeg,
			ExitCode: -1,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Stderr:   ring.LastN(20),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ee.ExitCode = exitErr.ExitCode()
		}
		logger.Warn().
			Int("exit_code", ee.ExitCode).
			Bool("timed_out", ee.TimedOut).
			Strs("stderr", ee.Stderr).
			Msg("media tool failed")
		exitTotal.WithLabelValues(string(ToolFFmpeg), "error").Inc()
		return ee
	}
	exitTotal.WithLabelValues(string(ToolFFmpeg), "ok").Inc()
	return nil
}

// RunPlan executes every step of a plan in order.
func (r *Runner) RunPlan(ctx context.Context, plan Plan, onProgress func(time.Duration)) error {
	for _, step := range plan.Steps {
		if err := r.Run(ctx, step, onProgress); err != nil {
			return err
		}
	}
	return nil
}

// ProbeDimensions returns width and height of the first video stream.
func (r *Runner) ProbeDimensions(ctx context.Context, path string) (width, height int, err error) {
	cmd := exec.CommandContext(ctx, r.FFprobePath, ProbeDimensionsArgs(path)...) // #nosec G204
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.KillWait

	ring := NewLineRing(16)
	cmd.Stderr = ring

	out, err := cmd.Output()
	if err != nil {
		ee := &ExecError{
			Tool:     ToolFFprobe,
			ExitCode: -1,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Stderr:   ring.LastN(10),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ee.ExitCode = exitErr.ExitCode()
		}
		return 0, 0, ee
	}

	parts := strings.SplitN(strings.TrimSpace(string(out)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected probe output %q", strings.TrimSpace(string(out)))
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("probe width: %w", err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("probe height: %w", err)
	}
	return width, height, nil
}

// parseProgressLine extracts the encode position from -progress key=value
// output. ffmpeg reports out_time_us (and the legacy out_time_ms alias,
// which is also microseconds).
func parseProgressLine(line string) (time.Duration, bool) {
	for _, key := range []string{"out_time_us=", "out_time_ms="} {
		if v, ok := strings.CutPrefix(line, key); ok {
			us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || us < 0 {
				return 0, false
			}
			return time.Duration(us) * time.Microsecond, true
		}
	}
	return 0, false
}

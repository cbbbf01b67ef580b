package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunCapturesMergedOutput(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo out-line\necho err-line 1>&2\nexit 0\n")
	r := New(time.Second, time.Second, zap.NewNop())

	var streamed []string
	res, err := r.Run(context.Background(), Request{
		Tool:         script,
		TotalTimeout: 5 * time.Second,
		OnLine:       func(line string) { streamed = append(streamed, line) },
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, []string{"out-line", "err-line"}, res.Log)
	require.Equal(t, res.Log, streamed)
}

func TestRunReturnsExitCodeWithoutError(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo failing\nexit 8\n")
	r := New(time.Second, time.Second, zap.NewNop())

	res, err := r.Run(context.Background(), Request{Tool: script, TotalTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, 8, res.ExitCode)
	require.Equal(t, []string{"failing"}, res.Log)
}

func TestRunKillsOnTotalTimeout(t *testing.T) {
	t.Parallel()

	// Keeps producing output, so only the total budget can fire.
	script := writeScript(t, "while true; do echo tick; sleep 0.2; done\n")
	r := New(10*time.Second, 200*time.Millisecond, zap.NewNop())
	r.poll = 100 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), Request{Tool: script, TotalTimeout: time.Second})

	var timeoutErr *archive.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, time.Second, timeoutErr.Budget)
	require.NotEmpty(t, res.Log)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunKillsOnStall(t *testing.T) {
	t.Parallel()

	// One line, then silence well beyond the stall budget.
	script := writeScript(t, "echo started\nsleep 30\n")
	r := New(500*time.Millisecond, 200*time.Millisecond, zap.NewNop())
	r.poll = 100 * time.Millisecond

	res, err := r.Run(context.Background(), Request{Tool: script, TotalTimeout: time.Minute})

	var stallErr *archive.StallError
	require.ErrorAs(t, err, &stallErr)
	require.Equal(t, []string{"started"}, res.Log)
}

func TestRunObservesOutOfBandKill(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo started\nsleep 30\n")
	r := New(10*time.Second, 200*time.Millisecond, zap.NewNop())
	r.poll = 100 * time.Millisecond

	started := make(chan *Handle, 1)
	done := make(chan struct{})
	var (
		res    Result
		runErr error
	)
	go func() {
		defer close(done)
		res, runErr = r.Run(context.Background(), Request{
			Tool:         script,
			TotalTimeout: time.Minute,
			OnStart:      func(h *Handle) { started <- h },
		})
	}()

	h := <-started
	h.Terminate(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe out-of-band kill")
	}
	// Killed out of band: the runner itself saw a plain exit.
	require.NoError(t, runErr)
	require.Equal(t, -1, res.ExitCode)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "while true; do echo tick; sleep 0.2; done\n")
	r := New(10*time.Second, 200*time.Millisecond, zap.NewNop())
	r.poll = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Request{Tool: script, TotalTimeout: time.Minute})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()

	r := New(time.Second, time.Second, zap.NewNop())
	res, err := r.Run(context.Background(), Request{Tool: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	require.Equal(t, -1, res.ExitCode)
}

func TestRunBoundsCapturedLog(t *testing.T) {
	t.Parallel()

	script := writeScript(t, fmt.Sprintf("i=0\nwhile [ $i -lt %d ]; do echo line-$i; i=$((i+1)); done\n", capturedLogLimit+500))
	r := New(5*time.Second, time.Second, zap.NewNop())

	res, err := r.Run(context.Background(), Request{Tool: script, TotalTimeout: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, res.Log, capturedLogLimit)
	require.Equal(t, fmt.Sprintf("line-%d", capturedLogLimit+499), res.Log[len(res.Log)-1])
}

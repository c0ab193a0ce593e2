package ocispec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"containerforge/internal/errs"
)

// HookResult is the outcome of running one hook, generalized from the
// teacher's HookResult (legacy/runtime_hooks.go).
type HookResult struct {
	Success  bool
	ExitCode int
	Output   string
	Duration time.Duration
}

// Run executes every hook in hs in order against containerPid (passed
// via the CONTAINER_PID environment variable the way the teacher's
// DefaultHookExecutor.Execute does), stopping at the first failure and
// returning its result. Grounded on DefaultHookExecutor.Execute
// (legacy/runtime_hooks.go): a per-hook timeout context,
// exec.CommandContext with CombinedOutput, os.Environ() plus the
// hook's own Env entries.
func (hs HookSet) Run(ctx context.Context, containerID string, containerPid int) ([]HookResult, error) {
	results := make([]HookResult, 0, len(hs.Hooks))
	for _, h := range hs.Hooks {
		res, err := runHook(ctx, h, containerID, containerPid)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		if !res.Success {
			return results, errs.New(errs.Unknown, "ocispec.HookSet.Run", hs.Phase, h.Path, res.ExitCode)
		}
	}
	return results, nil
}

func runHook(ctx context.Context, h Hook, containerID string, containerPid int) (HookResult, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, h.Path, h.Args...)
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env,
		"CONTAINER_ID="+containerID,
		"CONTAINER_PID="+strconv.Itoa(containerPid),
	)

	start := time.Now()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	duration := time.Since(start)

	result := HookResult{
		Success:  runErr == nil,
		Output:   out.String(),
		Duration: duration,
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return result, errs.Wrap(errs.Unknown, "ocispec.runHook", runErr, h.Path)
	}
	return result, nil
}

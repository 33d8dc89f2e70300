package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// defaultShellTimeout bounds shell commands that specify no timeout.
const defaultShellTimeout = 120 * time.Second

// runShell executes a command via the platform shell: cmd.exe /C on Windows,
// /bin/sh -c elsewhere. The exit code and both output streams are reported
// back to the model; a non-zero exit is an error result that still carries
// the output.
func runShell(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if args.Command == "" {
		return "", fmt.Errorf("missing 'command' argument")
	}

	timeout := defaultShellTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", args.Command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", args.Command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %q timed out after %s", args.Command, timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("error executing command %q: %w", args.Command, err)
		}
	}

	content := formatShellOutput(exitCode, stdout.String(), stderr.String())
	if exitCode != 0 {
		return content, fmt.Errorf("command exited with code %d", exitCode)
	}
	return content, nil
}

func formatShellOutput(exitCode int, stdout, stderr string) string {
	if stderr != "" {
		return fmt.Sprintf("Exit code: %d\nStdout:\n%s\nStderr:\n%s", exitCode, stdout, stderr)
	}
	return fmt.Sprintf("Exit code: %d\nOutput:\n%s", exitCode, stdout)
}

package executor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
)

// ShellExecutor runs a command through bash -c. A nonzero exit code is a
// result, not an error: the returncode field carries it and downstream
// conditions decide what it means.
type ShellExecutor struct {
	workingDir string
	env        []string
}

// NewShellExecutor returns a shell executor inheriting the process env.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{env: os.Environ()}
}

// NewShellExecutorWithConfig returns a shell executor with a working
// directory and environment override.
func NewShellExecutorWithConfig(workingDir string, env []string) *ShellExecutor {
	if env == nil {
		env = os.Environ()
	}
	return &ShellExecutor{workingDir: workingDir, env: env}
}

func (e *ShellExecutor) Execute(ctx context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
	command, err := stringParam(params, "cmd")
	if err != nil {
		// "command" is accepted as an alias for cmd
		alias, aliasErr := stringParam(params, "command")
		if aliasErr != nil {
			return nil, err
		}
		command = alias
	}

	log.Printf("Executing shell command: %s", command)

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}
	cmd.Env = e.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	returncode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("command failed to start: %w", runErr)
		}
		returncode = exitErr.ExitCode()
	}

	return map[string]interface{}{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}

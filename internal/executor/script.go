package executor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// ScriptExecutor runs a script file from disk. The file must exist; .sh
// files run through bash, anything else executes directly.
type ScriptExecutor struct {
	env []string
}

// NewScriptExecutor returns a script executor inheriting the process env.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{env: os.Environ()}
}

func (e *ScriptExecutor) Execute(ctx context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("script not found: %s", path)
	}

	var args []string
	if raw, ok := params["args"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("param \"args\" must be a list, got %T", raw)
		}
		for _, a := range list {
			args = append(args, fmt.Sprintf("%v", a))
		}
	}

	log.Printf("Executing script: %s %s", path, strings.Join(args, " "))

	var cmd *exec.Cmd
	if strings.HasSuffix(path, ".sh") {
		cmd = exec.CommandContext(ctx, "bash", append([]string{path}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, path, args...)
	}
	cmd.Env = e.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("script cancelled: %w", ctx.Err())
	}

	returncode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("script failed to start: %w", runErr)
		}
		returncode = exitErr.ExitCode()
	}

	return map[string]interface{}{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"returncode": returncode,
	}, nil
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Request is one command invocation.
type Request struct {
	Command string
	// Dir is the host working directory. Runners that isolate the command
	// mount it as the working directory instead.
	Dir   string
	Stdin string
	Env   []string
}

// Output is what the command printed and how it exited.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a Request. A non-zero exit is reported through
// Output.ExitCode, not as an error; err is reserved for failures to run the
// command at all.
type Runner interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// HostRunner runs commands locally through sh -c.
type HostRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// context kills the shell. Zero uses two seconds.
	WaitDelay time.Duration
}

func (h *HostRunner) Run(ctx context.Context, req Request) (Output, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.WaitDelay = h.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	out := Output{}
	runErr := cmd.Run()
	out.Stdout, out.Stderr = outBuf.String(), errBuf.String()
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		return out, runErr
	}
	return out, nil
}

// Package sbi is the southbound surface of the controller: everything that
// touches an endpoint's network stack goes through a Runner. Endpoints are
// opaque names (container names in the reference testbed); the Runner decides
// how a command reaches them.
package sbi

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Result captures one command execution against an endpoint.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// Ok reports whether the command ran and exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner executes a command against a named endpoint and captures its
// output. Implementations are synchronous; callers bound them with ctx.
//
// A non-zero exit status is not an error: the command reached the endpoint
// and ran. Run returns an error only when the command could not be executed
// at all (endpoint missing, runner binary absent, ctx cancelled).
type Runner interface {
	Run(ctx context.Context, endpoint string, argv []string) (Result, error)
}

// DockerRunner runs commands inside containers via `docker exec`. It is the
// production Runner for the container testbed.
type DockerRunner struct {
	// Binary is the docker client binary, "docker" when empty.
	Binary string
}

// execArgv renders the full argv for one docker exec invocation.
func (d *DockerRunner) execArgv(endpoint string, argv []string) []string {
	out := make([]string, 0, len(argv)+2)
	out = append(out, "exec", endpoint)
	out = append(out, argv...)
	return out
}

func (d *DockerRunner) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

// Run executes argv inside the endpoint container.
func (d *DockerRunner) Run(ctx context.Context, endpoint string, argv []string) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, d.binary(), d.execArgv(endpoint, argv)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		// docker exec reports its own failures (no such container, daemon
		// down) on these codes; the command never ran on the endpoint.
		if res.ExitCode == 125 || res.ExitCode == 126 || res.ExitCode == 127 {
			if looksLikeDockerFailure(res.Stderr) {
				return res, errors.New(strings.TrimSpace(res.Stderr))
			}
		}
		return res, nil
	default:
		return res, err
	}
}

func looksLikeDockerFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "is not running") ||
		strings.Contains(s, "cannot connect to the docker daemon") ||
		strings.Contains(s, "executable file not found")
}

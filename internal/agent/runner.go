// Package agent defines the executor call contract. The agent engine itself
// (prompt assembly, tool use, model calls) lives outside this repo; the
// coordinator consumes it as one opaque async call per execution.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	logx "github.com/gitduk/nanoclaw/pkg/logx"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request is one execution of the agent engine for a group.
type Request struct {
	Prompt      string `json:"prompt"`
	ResumeToken string `json:"resumeToken,omitempty"`
	WorkingDir  string `json:"workingDir"`
	MailboxDir  string `json:"mailboxDir"`
}

// Result is the engine's response. NewResumeToken, when set, replaces the
// group's stored session token.
type Result struct {
	Status         Status `json:"status"`
	NewResumeToken string `json:"newResumeToken,omitempty"`
	Output         string `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Runner executes agent work. Implementations must honor ctx cancellation;
// the queue abandons calls that outlive the execution timeout.
type Runner interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

func (f RunnerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// CLIRunner spawns the agent engine as a subprocess: the request is written
// to stdin as JSON and the result is the last JSON object on stdout. The
// subprocess runs inside the group's working directory and is told where its
// mailbox is via environment.
type CLIRunner struct {
	Command string
	Args    []string
	Log     logx.Logger
}

func NewCLIRunner(command string, args []string, log logx.Logger) *CLIRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CLIRunner{Command: command, Args: args, Log: log}
}

func (r *CLIRunner) Execute(ctx context.Context, req Request) (Result, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent: encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(cmd.Environ(),
		"NANOCLAW_MAILBOX_DIR="+req.MailboxDir,
		"NANOCLAW_WORKING_DIR="+req.WorkingDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if runErr != nil {
		r.Log.Error("agent subprocess failed", logx.Err(runErr), logx.String("stderr", tail(stderr.String(), 2000)))
		return Result{Status: StatusError, Error: firstNonEmpty(tail(stderr.String(), 500), runErr.Error())}, nil
	}

	res, err := parseResult(stdout.Bytes())
	if err != nil {
		return Result{}, fmt.Errorf("agent: %w", err)
	}
	return res, nil
}

// parseResult takes the last JSON object line from stdout, so engines that
// stream progress text before the final result still parse.
func parseResult(out []byte) (Result, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		if res.Status == "" {
			res.Status = StatusSuccess
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("no result object in engine output (%d bytes)", len(out))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

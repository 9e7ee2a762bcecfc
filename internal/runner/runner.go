// Package runner executes agents through the claude CLI in print mode.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/config"
	"github.com/lucasnoah/agentgate/internal/executor"
)

// ErrTimeout is returned when a call outlives the configured timeout.
var ErrTimeout = errors.New("agent call timed out")

// cliResult is the --output-format json envelope.
type cliResult struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	IsError  bool   `json:"is_error"`
	Result   string `json:"result"`
	NumTurns int    `json:"num_turns"`
}

// ClaudeRunner implements executor.Service. Each call runs in Dir, where the
// agent manager materializes definitions under .claude/agents, and is given
// access to the session workspace with --add-dir.
type ClaudeRunner struct {
	Command   string
	ExtraArgs []string
	Timeout   time.Duration
	Dir       string
	Token     string
	Logger    *zap.Logger
}

// New builds a runner from the runner config section. agentsRoot is the
// agent manager's root directory.
func New(cfg config.RunnerConfig, agentsRoot string, logger *zap.Logger) *ClaudeRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeRunner{
		Command:   cfg.Command,
		ExtraArgs: cfg.ExtraArgs,
		Timeout:   cfg.Timeout.Duration(),
		Dir:       agentsRoot,
		Token:     loadOAuthToken(),
		Logger:    logger,
	}
}

// Args returns the command line for req, without the command itself.
func (r *ClaudeRunner) Args(req executor.Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.ModelTier != "" {
		args = append(args, "--model", req.ModelTier)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(req.MaxTurns))
	}
	if req.Dir != "" {
		args = append(args, "--add-dir", req.Dir)
	}
	return append(args, r.ExtraArgs...)
}

// Execute runs one agent call. A non-zero exit, a timeout, or a run that
// stopped on its turn limit is a transport failure.
func (r *ClaudeRunner) Execute(ctx context.Context, req executor.Request) (executor.Response, error) {
	callCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, r.Command, r.Args(req)...)
	cmd.Dir = r.Dir
	cmd.Env = os.Environ()
	if r.Token != "" {
		cmd.Env = append(cmd.Env, tokenVar+"="+r.Token)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.Logger.With(zap.String("session_id", req.SessionID), zap.String("agent", req.Agent))
	start := time.Now()
	err := cmd.Run()
	log.Debug("claude call finished", zap.Duration("elapsed", time.Since(start)), zap.Error(err))

	if ctx.Err() != nil {
		return executor.Response{}, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return executor.Response{}, fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return executor.Response{RawText: stdout.String()},
				fmt.Errorf("claude exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String()))
		}
		return executor.Response{}, fmt.Errorf("run %s: %w", r.Command, err)
	}

	return decode(stdout.String())
}

// decode interprets the JSON envelope. Output that is not JSON is taken as
// the raw answer so plain-text wrappers still work.
func decode(out string) (executor.Response, error) {
	trimmed := strings.TrimSpace(out)
	if !strings.HasPrefix(trimmed, "{") {
		return executor.Response{RawText: out, TransportSuccess: trimmed != ""}, nil
	}
	var res cliResult
	if err := json.Unmarshal([]byte(trimmed), &res); err != nil {
		return executor.Response{RawText: out}, fmt.Errorf("decode claude output: %w", err)
	}
	resp := executor.Response{RawText: res.Result, TurnsUsed: res.NumTurns}
	if res.IsError || (res.Subtype != "" && res.Subtype != "success") {
		return resp, fmt.Errorf("claude reported %s", res.Subtype)
	}
	resp.TransportSuccess = true
	return resp, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		return "..." + s[len(s)-400:]
	}
	return s
}

var _ executor.Service = (*ClaudeRunner)(nil)

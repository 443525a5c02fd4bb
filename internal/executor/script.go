package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// ContextEnv carries the Work context as JSON to scripts.
	ContextEnv = "PEWCORE_CONTEXT"
	// TaskEnv carries the task description.
	TaskEnv = "PEWCORE_TASK"

	DefaultKillGrace = 2 * time.Second
	maxStderr        = 4 << 10
)

var DefaultInterpreter = []string{"/bin/sh", "-s"}

type ScriptConfig struct {
	Interpreter []string
	WorkDir     string
	KillGrace   time.Duration
}

// ScriptExecutor runs a function's code through an interpreter, code on
// stdin. Cancellation kills the whole process group where supported.
type ScriptExecutor struct {
	cfg ScriptConfig
}

func NewScriptExecutor(cfg ScriptConfig) *ScriptExecutor {
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &ScriptExecutor{cfg: cfg}
}

func (s *ScriptExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	fn := req.Function
	if fn == nil || strings.TrimSpace(fn.Code) == "" {
		return Result{}, errors.New("script: function has no code")
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return Result{}, fmt.Errorf("script: encode context: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Interpreter[0], s.cfg.Interpreter[1:]...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Stdin = strings.NewReader(fn.Code)
	cmd.Env = append(os.Environ(), ContextEnv+"="+string(ctxJSON), TaskEnv+"="+req.Description)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}
	configureProcess(cmd, s.cfg.KillGrace)

	err = cmd.Run()
	if ctx.Err() != nil {
		return Result{}, context.Cause(ctx)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, fmt.Errorf("script: %w", err)
		}
		return Result{}, fmt.Errorf("script: %w: %s", err, msg)
	}
	return Result{Text: strings.TrimSpace(stdout.String())}, nil
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

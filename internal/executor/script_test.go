//go:build unix

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcore/internal/model"
)

func scriptReq(code string) Request {
	return Request{
		Description: "run it",
		Context:     map[string]any{"name": "pew"},
		Function:    &model.Function{ExecutionType: model.ExecScript, Code: code},
	}
}

func TestScriptOutputAndEnv(t *testing.T) {
	s := NewScriptExecutor(ScriptConfig{})
	res, err := s.Execute(context.Background(), scriptReq(`echo "$PEWCORE_CONTEXT"; echo "$PEWCORE_TASK"`))
	require.NoError(t, err)
	assert.Equal(t, "{\"name\":\"pew\"}\nrun it", res.Text)
}

func TestScriptFailureIncludesStderr(t *testing.T) {
	s := NewScriptExecutor(ScriptConfig{})
	_, err := s.Execute(context.Background(), scriptReq("echo nope >&2; exit 3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestScriptMissingCode(t *testing.T) {
	s := NewScriptExecutor(ScriptConfig{})
	_, err := s.Execute(context.Background(), Request{})
	assert.Error(t, err)
	_, err = s.Execute(context.Background(), scriptReq("   "))
	assert.Error(t, err)
}

func TestScriptTimeoutKillsProcessGroup(t *testing.T) {
	s := NewScriptExecutor(ScriptConfig{KillGrace: 500 * time.Millisecond})
	cause := errors.New("Timeout after 1 seconds")
	ctx, cancel := context.WithTimeoutCause(context.Background(), 300*time.Millisecond, cause)
	defer cancel()

	start := time.Now()
	// The child sleep inherits stdout; only a group kill lets Run return.
	_, err := s.Execute(ctx, scriptReq("sleep 30 & sleep 30; wait"))
	assert.ErrorIs(t, err, cause)
	assert.Less(t, time.Since(start), 5*time.Second)
}

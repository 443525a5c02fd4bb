package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pewcore/internal/model"
)

const (
	DefaultAgentRunPath = "/v1/agent/run"
	DefaultAgentTimeout = 5 * time.Minute

	budgetErrorCode = "budget_exceeded"
)

type AgentConfig struct {
	BaseURL string
	Token   string
	RunPath string
	Timeout time.Duration
}

// AgentExecutor posts task descriptions to the external agent service.
type AgentExecutor struct {
	client  *resty.Client
	runPath string
}

type agentRequest struct {
	BotID       string         `json:"bot_id"`
	WorkID      string         `json:"work_id"`
	TaskID      string         `json:"task_id"`
	UserID      string         `json:"user_id,omitempty"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Function    *agentFunction `json:"function,omitempty"`
}

type agentFunction struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Code   string         `json:"code,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type agentResponse struct {
	Result    string `json:"result"`
	Usage     Usage  `json:"usage"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func NewAgentExecutor(cfg AgentConfig) *AgentExecutor {
	if cfg.RunPath == "" {
		cfg.RunPath = DefaultAgentRunPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAgentTimeout
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &AgentExecutor{client: c, runPath: cfg.RunPath}
}

func (a *AgentExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	body := agentRequest{
		BotID:       req.BotID,
		WorkID:      req.WorkID,
		TaskID:      req.TaskID,
		UserID:      req.UserID,
		Description: req.Description,
		Context:     req.Context,
		Function:    toAgentFunction(req.Function),
	}

	var out agentResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(a.runPath)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, context.Cause(ctx)
		}
		return Result{}, fmt.Errorf("agent request: %w", err)
	}

	if resp.StatusCode() == http.StatusPaymentRequired || out.ErrorCode == budgetErrorCode {
		return Result{Usage: out.Usage}, BudgetExceeded(fmt.Errorf("agent: %s", firstNonEmpty(out.Error, resp.Status())))
	}
	if resp.IsError() {
		return Result{Usage: out.Usage}, fmt.Errorf("agent returned status %d: %s",
			resp.StatusCode(), firstNonEmpty(out.Error, strings.TrimSpace(resp.String())))
	}
	if out.Error != "" {
		return Result{Usage: out.Usage}, fmt.Errorf("agent: %s", out.Error)
	}
	return Result{Text: out.Result, Usage: out.Usage}, nil
}

func toAgentFunction(fn *model.Function) *agentFunction {
	if fn == nil {
		return nil
	}
	return &agentFunction{ID: fn.ID, Name: fn.Name, Code: fn.Code, Params: fn.Params}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

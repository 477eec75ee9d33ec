package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "LinguaChain/internal/errors"
)

// Client 定义了智能体访问步骤/任务协议的统一接口。托管后台通过
// HTTPClient 访问，单机部署通过 LocalBackend 直接落到 Store。
type Client interface {
	GetStep(ctx context.Context, stepID string) (*Step, error)
	CreateSteps(ctx context.Context, did, taskID string, steps []*Step) error
	UpdateStep(ctx context.Context, did, taskID, stepID string, expect Status, update StepUpdate) error
	CreateTask(ctx context.Context, agentDID string, req CreateTaskRequest) (*Task, error)
	GetTaskWithSteps(ctx context.Context, agentDID, taskID string) (*TaskWithSteps, error)
	LogTask(ctx context.Context, entry TaskLog) error
}

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig 描述了访问托管协议后台所需的信息。
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient 通过 HTTP 调用托管的协议后台。
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient 根据配置创建协议后台客户端。
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未配置协议后台地址")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供协议后台 API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GetStep 拉取步骤详情。
func (c *HTTPClient) GetStep(ctx context.Context, stepID string) (*Step, error) {
	endpoint := fmt.Sprintf("%s/api/v1/protocol/steps/%s", c.baseURL, url.PathEscape(stepID))
	var step Step
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// CreateSteps 在指定任务下登记后继步骤。
func (c *HTTPClient) CreateSteps(ctx context.Context, did, taskID string, steps []*Step) error {
	endpoint := fmt.Sprintf("%s/api/v1/protocol/agents/%s/tasks/%s/steps",
		c.baseURL, url.PathEscape(did), url.PathEscape(taskID))
	payload := map[string]any{"steps": steps}
	return c.do(ctx, http.MethodPost, endpoint, payload, nil)
}

// UpdateStep 以 CAS 方式更新步骤状态。
func (c *HTTPClient) UpdateStep(ctx context.Context, did, taskID, stepID string, expect Status, update StepUpdate) error {
	endpoint := fmt.Sprintf("%s/api/v1/protocol/agents/%s/tasks/%s/steps/%s",
		c.baseURL, url.PathEscape(did), url.PathEscape(taskID), url.PathEscape(stepID))
	payload := map[string]any{
		"expect": expect,
		"step":   update,
	}
	return c.do(ctx, http.MethodPut, endpoint, payload, nil)
}

// CreateTask 向目标智能体发起任务。
func (c *HTTPClient) CreateTask(ctx context.Context, agentDID string, req CreateTaskRequest) (*Task, error) {
	endpoint := fmt.Sprintf("%s/api/v1/protocol/agents/%s/tasks", c.baseURL, url.PathEscape(agentDID))
	var decoded struct {
		Task Task `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, req, &decoded); err != nil {
		return nil, err
	}
	return &decoded.Task, nil
}

// GetTaskWithSteps 拉取任务与其全部步骤。
func (c *HTTPClient) GetTaskWithSteps(ctx context.Context, agentDID, taskID string) (*TaskWithSteps, error) {
	endpoint := fmt.Sprintf("%s/api/v1/protocol/agents/%s/tasks/%s",
		c.baseURL, url.PathEscape(agentDID), url.PathEscape(taskID))
	var result TaskWithSteps
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LogTask 追加任务日志。
func (c *HTTPClient) LogTask(ctx context.Context, entry TaskLog) error {
	endpoint := c.baseURL + "/api/v1/protocol/tasks/log"
	return c.do(ctx, http.MethodPost, endpoint, entry, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化协议请求失败")
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "构建协议请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "请求协议后台失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		detail := strings.TrimSpace(string(raw))
		switch resp.StatusCode {
		case http.StatusNotFound:
			if strings.Contains(endpoint, "/steps/") {
				return ErrStepNotFound
			}
			return ErrTaskNotFound
		case http.StatusConflict:
			return ErrStepConflict
		default:
			return xerrors.New(xerrors.CodeProtocolFailure,
				fmt.Sprintf("协议后台返回错误状态 %d: %s", resp.StatusCode, detail))
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolFailure, err, "解析协议响应失败")
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)

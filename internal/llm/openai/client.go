package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"LinguaChain/internal/llm"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultChatModel   = "gpt-4"
	defaultSpeechModel = "tts-1"
	defaultVoice       = "alloy"
	defaultTimeout     = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions 与 Speech API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	SpeechModel string
	Voice       string
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的翻译与语音合成能力。
type Client struct {
	apiKey      string
	baseURL     string
	chatModel   string
	speechModel string
	voice       string
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	chatModel := strings.TrimSpace(cfg.ChatModel)
	if chatModel == "" {
		chatModel = defaultChatModel
	}
	speechModel := strings.TrimSpace(cfg.SpeechModel)
	if speechModel == "" {
		speechModel = defaultSpeechModel
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = defaultVoice
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		chatModel:   chatModel,
		speechModel: speechModel,
		voice:       voice,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Translate 调用 Chat Completions 将文本翻译到目标语言。
func (c *Client) Translate(ctx context.Context, req llm.TranslationRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("翻译文本不能为空")
	}
	source := req.SourceLang
	if source == "" {
		source = "Spanish"
	}
	target := req.TargetLang
	if target == "" {
		target = "English"
	}

	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.chatModel,
		"messages": []message{
			{
				Role:    "system",
				Content: fmt.Sprintf("You are a translator that translates %s to %s.", source, target),
			},
			{
				Role: "user",
				Content: fmt.Sprintf("Translate the following text: '%s'. Do not generate any additional text beyond the translation.",
					req.Text),
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+"/chat/completions", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("OpenAI 响应内容为空")
	}
	return content, nil
}

// Speech 调用语音合成接口并把音频写入临时目录，返回文件路径。
func (c *Client) Speech(ctx context.Context, req llm.SpeechRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("语音合成文本不能为空")
	}

	body := map[string]any{
		"model": c.speechModel,
		"voice": c.voice,
		"input": req.Text,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	resp, err := c.post(ctx, c.baseURL+"/audio/speech", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	dir, err := os.MkdirTemp("", "text2speech-temp-")
	if err != nil {
		return "", fmt.Errorf("创建临时目录失败: %w", err)
	}
	path := filepath.Join(dir, "text2speech.mp3")
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建音频文件失败: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("写入音频文件失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("关闭音频文件失败: %w", err)
	}
	return path, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	return resp, nil
}

var _ llm.Client = (*Client)(nil)

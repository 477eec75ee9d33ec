package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.pinata.cloud"
	defaultGateway = "https://gateway.pinata.cloud/ipfs/{CID}"
	defaultTimeout = 120 * time.Second
)

// Pinner 把本地文件钉进内容寻址网络并换取公开访问地址。
type Pinner interface {
	// PinFile 上传文件并返回 CID。无论上传成功与否，本地文件都会被删除。
	PinFile(ctx context.Context, path string) (string, error)
	GatewayURL(cid string) string
}

// PinataConfig 描述 Pinata 客户端的凭证与端点。
type PinataConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Gateway   string
	Timeout   time.Duration
}

// PinataClient 通过 Pinata 的 pinning API 上传文件。
type PinataClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	gateway    string
	httpClient *http.Client
}

// NewPinataClient 根据配置创建 Pinata 客户端。
func NewPinataClient(cfg PinataConfig) (*PinataClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	apiSecret := strings.TrimSpace(cfg.APISecret)
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("未提供 Pinata API 凭证")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	gateway := strings.TrimSpace(cfg.Gateway)
	if gateway == "" {
		gateway = defaultGateway
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &PinataClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		gateway:   gateway,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// PinFile 上传文件并返回 CID。临时音频只在这一次调用内有效，
// 因此无论成败都会在返回前删除本地文件。
func (c *PinataClient) PinFile(ctx context.Context, path string) (cid string, err error) {
	defer func() {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(path)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开待上传文件失败: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("构建上传表单失败: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("读取待上传文件失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("关闭上传表单失败: %w", err)
	}

	endpoint := c.baseURL + "/pinning/pinFileToIPFS"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("构建 Pinata 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("pinata_api_key", c.apiKey)
	httpReq.Header.Set("pinata_secret_api_key", c.apiSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 Pinata 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("Pinata 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 Pinata 响应失败: %w", err)
	}
	if strings.TrimSpace(decoded.IpfsHash) == "" {
		return "", errors.New("Pinata 响应中缺少 IpfsHash")
	}
	return decoded.IpfsHash, nil
}

// GatewayURL 根据 CID 拼出公开网关地址。
func (c *PinataClient) GatewayURL(cid string) string {
	return strings.ReplaceAll(c.gateway, "{CID}", cid)
}

var _ Pinner = (*PinataClient)(nil)

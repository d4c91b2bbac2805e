package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/config"
	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"
	"github.com/wya0/ai-goofish-monitor/internal/renderer"

	"github.com/sethvargo/go-retry"
)

const systemPrompt = `你是一名二手交易平台的资深鉴定师。根据用户给出的分析标准，评估这件闲鱼商品是否值得购买。
严格输出 JSON，格式为 {"is_recommended": true/false, "reason": "一句话理由"}，不要输出其他内容。`

// Client OpenAI 兼容接口的分析器实现。
type Client struct {
	cfg        *config.AIConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient 创建 AI 分析客户端。
func NewClient(cfg *config.AIConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// chat completions 请求/响应结构，只声明用到的字段。
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze 调用 AI 服务判定商品。瞬时错误（5xx、429、网络抖动）
// 做有限次指数退避重试，判定失败向上抛由管线决定商品归于 unknown。
func (c *Client) Analyze(ctx context.Context, criteria string, detail *renderer.ListingDetail, images [][]byte) (*Verdict, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("ai base_url not configured")
	}

	payload, err := json.Marshal(c.buildRequest(criteria, detail, images))
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var verdict *Verdict
	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, attemptErr := c.doRequest(ctx, payload)
		if attemptErr != nil {
			return attemptErr
		}
		verdict = v
		return nil
	})

	if err != nil {
		metrics.AnalyzerRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.AnalyzerRequestsTotal.WithLabelValues("success").Inc()
	return verdict, nil
}

func (c *Client) buildRequest(criteria string, detail *renderer.ListingDetail, images [][]byte) *chatRequest {
	var sb strings.Builder
	sb.WriteString("分析标准：\n")
	sb.WriteString(criteria)
	sb.WriteString("\n\n商品信息：\n")
	sb.WriteString(fmt.Sprintf("标题：%s\n价格：%s\n卖家：%s\n描述：%s\n",
		detail.Title, detail.Price, detail.SellerNick, detail.Description))

	parts := []contentPart{{Type: "text", Text: sb.String()}}
	for _, img := range images {
		if len(img) == 0 {
			continue
		}
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}

	return &chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: systemPrompt}}},
			{Role: "user", Content: parts},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (*Verdict, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网络错误可重试
		return nil, retry.RetryableError(fmt.Errorf("post chat completions: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read chat response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retry.RetryableError(fmt.Errorf("ai service responded %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai service responded %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("ai service error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("ai response has no choices")
	}

	return parseVerdict(parsed.Choices[0].Message.Content)
}

// parseVerdict 从模型输出里解析判定 JSON。
// 兼容模型把 JSON 包在 markdown 代码块里的情况。
func parseVerdict(content string) (*Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("verdict json not found in: %s", truncate([]byte(content), 200))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	if v.Reason == "" {
		v.Reason = "模型未给出理由"
	}
	return &v, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier 将通知以 JSON 形式 POST 到用户配置的地址。
// 用于对接企业微信/钉钉/飞书机器人或自建服务的中转。
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Name 返回通道名称。
func (n *WebhookNotifier) Name() string { return "webhook" }

type webhookPayload struct {
	TaskName string `json:"task_name"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	ItemURL  string `json:"item_url"`
	ImageURL string `json:"image_url,omitempty"`
	Reason   string `json:"reason"`
	SentAt   string `json:"sent_at"`
}

// Send 发送 webhook 通知。
func (n *WebhookNotifier) Send(ctx context.Context, msg *Message) error {
	if n.url == "" {
		return nil
	}

	payload := webhookPayload{
		TaskName: msg.TaskName,
		Title:    msg.Title,
		Price:    msg.Price,
		ItemURL:  msg.ItemURL,
		ImageURL: msg.ImageURL,
		Reason:   msg.Reason,
		SentAt:   time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

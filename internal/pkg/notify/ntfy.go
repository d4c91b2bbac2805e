package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// NtfyNotifier 通过 ntfy topic 推送通知。
type NtfyNotifier struct {
	topicURL string
	client   *http.Client
	logger   *slog.Logger
}

// NewNtfyNotifier 创建 ntfy 通知器。topicURL 形如 https://ntfy.sh/your-topic。
func NewNtfyNotifier(topicURL string, logger *slog.Logger) *NtfyNotifier {
	return &NtfyNotifier{
		topicURL: topicURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Name 返回通道名称。
func (n *NtfyNotifier) Name() string { return "ntfy" }

// Send 推送消息。ntfy 的正文是纯文本，标题、跳转链接和附图走 header。
func (n *NtfyNotifier) Send(ctx context.Context, msg *Message) error {
	if n.topicURL == "" {
		return nil
	}

	body := fmt.Sprintf("¥%s | %s\n%s", msg.Price, msg.Title, msg.Reason)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.topicURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Title", fmt.Sprintf("[%s] 捡漏提醒", msg.TaskName))
	req.Header.Set("Tags", "tada")
	req.Header.Set("Priority", "high")
	if msg.ItemURL != "" {
		req.Header.Set("Click", msg.ItemURL)
	}
	if msg.ImageURL != "" {
		req.Header.Set("Attach", msg.ImageURL)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ntfy: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy responded %d", resp.StatusCode)
	}
	return nil
}

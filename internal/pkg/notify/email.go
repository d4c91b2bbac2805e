package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wya0/ai-goofish-monitor/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, logger: logger}
}

// Name 返回通道名称。
func (n *EmailNotifier) Name() string { return "email" }

// Send 发送邮件通知。
func (n *EmailNotifier) Send(ctx context.Context, msg *Message) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[闲鱼监控] 🎯 %s 捡漏提醒", msg.TaskName))
	m.SetBody("text/html", buildHTMLBody(msg))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func buildHTMLBody(msg *Message) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .hero img { width: 100%%; max-width: 520px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 16px; }
  .reason { font-size: 14px; color: #334155; background: #f1f5f9; padding: 10px 12px; border-radius: 8px; margin-bottom: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[闲鱼监控] 🎯 捡漏提醒</div>
    <div class="content">
      <div class="hero"><img src="%s" alt="Item Image" /></div>
      <div class="price">¥ %s</div>
      <div class="title">%s</div>
      <div class="reason">%s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">立即去闲鱼查看</a>
      </div>
      <div class="footer">监控任务: %s</div>
    </div>
  </div>
</body>
</html>`
	return fmt.Sprintf(template, msg.ImageURL, msg.Price, msg.Title, msg.Reason, msg.ItemURL, msg.TaskName)
}

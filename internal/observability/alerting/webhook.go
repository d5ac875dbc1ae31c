package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookTimeout 是单次告警投递的超时上限。
const webhookTimeout = 10 * time.Second

// DingTalkWebhookSender 通过自定义机器人 webhook 投递钉钉告警。
type DingTalkWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// Send 以 text 消息体投递内容。
func (s *DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.client(), s.WebhookURL, payload)
}

func (s *DingTalkWebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: webhookTimeout}
}

// SlackWebhookSender 通过 incoming webhook 投递 Slack 告警。
type SlackWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// Send 投递消息到指定频道。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{
		"channel": channel,
		"text":    content,
	}
	return postJSON(ctx, s.client(), s.WebhookURL, payload)
}

func (s *SlackWebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: webhookTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook 地址为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警内容失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("投递告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警渠道返回状态码 %d", resp.StatusCode)
	}
	return nil
}

package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// maxFieldValue is Discord's limit, in characters, for an embed field value.
const maxFieldValue = 1024

type WebhookMessage struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Fields      []Field   `json:"fields,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Client posts operator alerts to a Discord webhook. A zero URL disables it.
type Client struct {
	webhookURL string
	service    string
	httpClient *http.Client
}

func NewClient(webhookURL, service string) *Client {
	return &Client{
		webhookURL: webhookURL,
		service:    service,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

func (c *Client) SendMessage(ctx context.Context, msg WebhookMessage) error {
	if !c.Enabled() {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}

	return nil
}

// SendLogMessage satisfies logger.Alerter.
func (c *Client) SendLogMessage(level, message string, fields map[string]interface{}) error {
	embed := Embed{
		Title:       fmt.Sprintf("%s %s alert", c.service, level),
		Description: message,
		Color:       getColorForLevel(level),
		Timestamp:   time.Now().UTC(),
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := fmt.Sprintf("%v", fields[key])
		embed.Fields = append(embed.Fields, Field{
			Name:   key,
			Value:  truncate(value, maxFieldValue),
			Inline: true,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	return c.SendMessage(ctx, WebhookMessage{
		Username: c.service,
		Embeds:   []Embed{embed},
	})
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func (c *Client) timeout() time.Duration {
	if c == nil || c.httpClient == nil || c.httpClient.Timeout == 0 {
		return 10 * time.Second
	}
	return c.httpClient.Timeout
}

func getColorForLevel(level string) int {
	switch level {
	case "ERROR":
		return 0xFF0000 // Red
	case "FATAL":
		return 0x8B0000 // Dark Red
	case "WARN":
		return 0xFFA500 // Orange
	default:
		return 0x808080 // Gray
	}
}

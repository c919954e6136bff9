// Package wecom implements the outbound messaging platform client: access
// token management, media download, and text/card delivery.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

// Tokens expire server-side in 7200s; refresh five minutes early.
const tokenExpirySlack = 5 * time.Minute

// Client talks to the messaging platform's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	corpID     string
	secret     string
	agentID    string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Config holds the platform credentials.
type Config struct {
	BaseURL string
	CorpID  string
	Secret  string
	AgentID string
}

// NewClient creates a messaging platform client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.CorpID == "" || cfg.Secret == "" || cfg.AgentID == "" {
		return nil, fmt.Errorf("%w: corp id, secret and agent id are required", common.ErrMissingConfig)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		corpID:  cfg.CorpID,
		secret:  cfg.Secret,
		agentID: cfg.AgentID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// accessTokenFor returns a cached token, fetching a fresh one when the
// cached token is within the expiry slack.
func (c *Client) accessTokenFor(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	endpoint := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.ErrCode != 0 {
		return "", fmt.Errorf("token request rejected (errcode %d): %s", token.ErrCode, token.ErrMsg)
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn)*time.Second - tokenExpirySlack)

	return c.accessToken, nil
}

// DownloadMedia fetches the raw bytes of a media upload by its id.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMediaDownload, err)
	}

	endpoint := fmt.Sprintf("%s/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMediaDownload, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMediaDownload, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrMediaDownload, resp.StatusCode)
	}

	// Errors come back as JSON; media comes back as raw bytes.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var apiErr sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.ErrCode != 0 {
			return nil, fmt.Errorf("%w: errcode %d: %s", common.ErrMediaDownload, apiErr.ErrCode, apiErr.ErrMsg)
		}
		return nil, fmt.Errorf("%w: unexpected JSON response", common.ErrMediaDownload)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMediaDownload, err)
	}
	return data, nil
}

// SendText pushes a plain text message to a user.
func (c *Client) SendText(ctx context.Context, userID, text string) error {
	payload := map[string]any{
		"touser":  userID,
		"msgtype": "text",
		"agentid": c.agentID,
		"text": map[string]string{
			"content": text,
		},
	}
	return c.send(ctx, payload)
}

// SendCard pushes the confirmation card for a pending session. The platform
// renders it as a text card; the user answers with the confirm/cancel text
// commands.
func (c *Client) SendCard(ctx context.Context, userID, sessionID string, fields model.CandidateFields) error {
	payload := map[string]any{
		"touser":  userID,
		"msgtype": "textcard",
		"agentid": c.agentID,
		"textcard": map[string]string{
			"title":       "记账信息确认",
			"description": cardDescription(fields),
			"url":         "javascript:void(0);",
			"btntxt":      "详情",
		},
	}
	return c.send(ctx, payload)
}

func cardDescription(fields model.CandidateFields) string {
	amount := "¥0.00"
	if fields.Amount != nil {
		amount = fmt.Sprintf("¥%.2f", *fields.Amount)
	}
	vendor := stringOr(fields.Vendor, "未知商家")
	category := stringOr(fields.Category, "其他")
	date := "待补充"
	if fields.TransactionDate != nil {
		date = fields.TransactionDate.Format("2006-01-02")
	}
	description := stringOr(fields.Description, "无")

	return fmt.Sprintf("请确认以下记账信息是否正确\n\n金额: %s\n商家: %s\n类别: %s\n日期: %s\n\n备注: %s\n\n请回复'确认'或'取消'来处理此交易。",
		amount, vendor, category, date, description)
}

func stringOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func (c *Client) send(ctx context.Context, payload map[string]any) error {
	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/send?access_token=%s", c.baseURL, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse send response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("message send rejected (errcode %d): %s", result.ErrCode, result.ErrMsg)
	}

	return nil
}

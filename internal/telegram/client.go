package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API for a single authorized chat.
type Client struct {
	chatID int64
	http   *resty.Client
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// Update represents a Telegram Update object (partial schema)
type Update struct {
	UpdateID int `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

type UpdateResponse struct {
	apiResponse
	Result []Update `json:"result"`
}

// NewClient returns nil when credentials are missing so callers can fall
// back to a silent notifier.
func NewClient(token string, chatID int64) *Client {
	return NewClientWithBaseURL(defaultBaseURL, token, chatID)
}

func NewClientWithBaseURL(baseURL, token string, chatID int64) *Client {
	if token == "" || chatID == 0 {
		logger.Warn("Telegram credentials missing, client disabled")
		return nil
	}
	httpClient := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", baseURL, token)).
		SetTimeout(75 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && (r.StatusCode() == 429 || r.StatusCode() >= 500))
		})

	return &Client{chatID: chatID, http: httpClient}
}

func (c *Client) ChatID() int64 { return c.chatID }

// SendMessage posts a Markdown message to the configured chat.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	logger.WithField("len", len(text)).Debug("telegram send")

	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    strconv.FormatInt(c.chatID, 10),
			"text":       text,
			"parse_mode": "Markdown",
		}).
		SetResult(&out).
		SetError(&out).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() || !out.Ok {
		return fmt.Errorf("telegram send: HTTP %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// GetUpdates long-polls for new messages starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]Update, error) {
	var out UpdateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  strconv.Itoa(offset),
			"timeout": strconv.Itoa(int(timeout.Seconds())),
		}).
		SetResult(&out).
		SetError(&out).
		Get("/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("telegram updates: %w", err)
	}
	if resp.IsError() || !out.Ok {
		return nil, fmt.Errorf("telegram updates: %s (code %d)", out.Description, out.ErrorCode)
	}
	return out.Result, nil
}

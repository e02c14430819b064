package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pitabwire/flowpipe/internal/action"
	"github.com/pitabwire/flowpipe/internal/observability"
)

// TelegramAPIURL is the public Bot API root.
const TelegramAPIURL = "https://api.telegram.org"

// ChatSender posts a text message to a chat.
type ChatSender interface {
	SendMessage(ctx context.Context, botToken, chatID, text string) error
}

// TelegramClient calls the Bot API sendMessage method.
type TelegramClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewTelegramClient returns a client for baseURL using httpClient, falling
// back to the public API and http.DefaultClient.
func NewTelegramClient(baseURL string, httpClient *http.Client) *TelegramClient {
	if baseURL == "" {
		baseURL = TelegramAPIURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TelegramClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// SendMessage posts text to chatID. The bot token is part of the request
// path, so transport errors are unwrapped to keep it out of messages.
func (c *TelegramClient) SendMessage(ctx context.Context, botToken, chatID, text string) error {
	body, err := json.Marshal(telegramRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}

	endpoint := c.BaseURL + "/bot" + botToken + "/sendMessage"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.New("telegram: build request failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return unavailable(fmt.Errorf("telegram: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode >= 300 || !tr.OK {
		err := fmt.Errorf("telegram: status %d", resp.StatusCode)
		if tr.Description != "" {
			err = fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return unavailable(err)
		}
		return err
	}
	return nil
}

// TelegramExecutor sends KindTelegram actions.
type TelegramExecutor struct {
	Client ChatSender
}

func (TelegramExecutor) Kind() action.Kind { return action.KindTelegram }

func (x TelegramExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	md, ok := req.Metadata.(action.TelegramMetadata)
	if !ok {
		return Outcome{}, mismatch(action.KindTelegram, req.Metadata)
	}
	key, ok := req.Credential.(action.APIKey)
	if !ok {
		return Outcome{}, mismatch(action.KindTelegram, req.Credential)
	}

	vals, err := renderAll(req.Render, "chatId", md.ChatID, "message", md.Message)
	if err != nil {
		return Outcome{}, err
	}
	if err := x.Client.SendMessage(ctx, key.Key, vals[0], vals[1]); err != nil {
		return Outcome{}, fmt.Errorf("failed to send message: %w", err)
	}
	return Outcome{}, nil
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// PushNotification is one device notification. ChannelID selects the Android
// notification channel, IconURL the large icon shown next to it.
type PushNotification struct {
	Title     string
	Body      string
	ChannelID string
	IconURL   string
}

// Pusher delivers one notification to one device token.
type Pusher interface {
	Push(ctx context.Context, token string, note PushNotification) error
}

// ExpoPusher sends notifications through the Expo push HTTP API.
type ExpoPusher struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// DefaultExpoURL is the public Expo push endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// NewExpoPusher returns a pusher targeting url (DefaultExpoURL in
// production, a test server otherwise).
func NewExpoPusher(url string, logger *zap.Logger) *ExpoPusher {
	return &ExpoPusher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("push"),
	}
}

type expoAndroid struct {
	ChannelID string `json:"channelId,omitempty"`
	LargeIcon string `json:"largeIcon,omitempty"`
}

type expoMessage struct {
	To      string       `json:"to"`
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Android *expoAndroid `json:"android,omitempty"`
}

// Push sends one message. The Expo API accepts a batch; we send singletons
// because pushes here are rare, per-change events.
func (p *ExpoPusher) Push(ctx context.Context, token string, note PushNotification) error {
	msg := expoMessage{
		To:    token,
		Title: note.Title,
		Body:  note.Body,
	}
	if note.ChannelID != "" || note.IconURL != "" {
		msg.Android = &expoAndroid{ChannelID: note.ChannelID, LargeIcon: note.IconURL}
	}

	payload, err := json.Marshal([]expoMessage{msg})
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("push: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push: send: unexpected status %d", resp.StatusCode)
	}
	p.logger.Debug("push delivered", zap.String("title", note.Title))
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts a message to the configured Telegram chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	vals := url.Values{
		"chat_id":    {n.chatID},
		"text":       {msg},
		"parse_mode": {"HTML"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.URL.RawQuery = vals.Encode()

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyMirrorFill sends an alert for a successfully placed mirror order.
func (n *Notifier) NotifyMirrorFill(ctx context.Context, leaderName, market, side string, price, shares, sizeUSD float64) error {
	msg := fmt.Sprintf(
		"<b>Mirror Fill</b>\nLeader: %s\nMarket: <code>%s</code>\nSide: %s\nPrice: %.4f\nShares: %.2f\nSize: %.2f USDC",
		leaderName, market, side, price, shares, sizeUSD,
	)
	return n.Send(ctx, msg)
}

// NotifyReject sends an alert when the risk manager rejects a leader fill.
func (n *Notifier) NotifyReject(ctx context.Context, leaderName, market, reason string) error {
	msg := fmt.Sprintf("<b>Mirror Rejected</b>\nLeader: %s\nMarket: <code>%s</code>\nReason: %s", leaderName, market, reason)
	return n.Send(ctx, msg)
}

// NotifyFault sends an alert when a leader transitions to Faulted after
// repeated portfolio sync failures.
func (n *Notifier) NotifyFault(ctx context.Context, leaderName string, consecutiveFailures int, lastErr error) error {
	msg := fmt.Sprintf(
		"<b>Leader Faulted</b>\nLeader: %s\nConsecutive Sync Failures: %d\nLast Error: %s",
		leaderName, consecutiveFailures, lastErr,
	)
	return n.Send(ctx, msg)
}

// NotifyDailySummary sends a daily mirror-trading summary.
func (n *Notifier) NotifyDailySummary(ctx context.Context, acceptedFills, rejectedFills int, volumeUSD float64) error {
	msg := fmt.Sprintf(
		"<b>Daily Summary</b>\nAccepted: %d\nRejected: %d\nVolume: %.2f USDC",
		acceptedFills, rejectedFills, volumeUSD,
	)
	return n.Send(ctx, msg)
}

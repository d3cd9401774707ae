package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultExpoURL = "https://exp.host"
	expoSendPath   = "/--/api/v2/push/send"
)

var expoTokenRe = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[.+\]$`)

// ExpoConfig configures the Expo push adapter.
type ExpoConfig struct {
	BaseURL     string  // default DefaultExpoURL
	AccessToken string  // optional, enables push security
	RatePerSec  float64 // <= 0 means 6 rps
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Expo sends notifications through the Expo push service.
type Expo struct {
	url         string
	accessToken string
	client      *http.Client
	limiter     *rate.Limiter
}

var _ Notifier = (*Expo)(nil)

// NewExpo creates an Expo adapter.
func NewExpo(cfg ExpoConfig) *Expo {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultExpoURL
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 6
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Expo{
		url:         base + expoSendPath,
		accessToken: cfg.AccessToken,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ValidAddress accepts ExponentPushToken[...], ExpoPushToken[...] or a bare UUID.
func (e *Expo) ValidAddress(addr string) bool {
	if expoTokenRe.MatchString(addr) {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil && len(addr) == 36
}

type expoMessage struct {
	To    string `json:"to"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Data  any    `json:"data,omitempty"`
	Sound string `json:"sound,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send posts one message and interprets the returned push ticket.
func (e *Expo) Send(ctx context.Context, m Message) (Ticket, error) {
	if !e.ValidAddress(m.To) {
		return Ticket{}, fmt.Errorf("%w: %q is not an expo push token", ErrInvalidToken, m.To)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Ticket{}, fmt.Errorf("expo rate limit: %w", err)
	}

	body, err := json.Marshal([]expoMessage{{
		To:    m.To,
		Title: m.Title,
		Body:  m.Body,
		Data:  m.Data,
		Sound: m.Sound,
	}})
	if err != nil {
		return Ticket{}, fmt.Errorf("encode expo message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Ticket{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("expo request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ticket{}, fmt.Errorf("expo read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ticket{}, fmt.Errorf("expo api error: status %s, body %s", resp.Status, string(raw))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Ticket{}, fmt.Errorf("decode expo response: %w", err)
	}
	if len(out.Errors) > 0 {
		return Ticket{}, fmt.Errorf("expo api error: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	if len(out.Data) == 0 {
		return Ticket{}, errors.New("expo api error: empty ticket list")
	}

	t := out.Data[0]
	if t.Status == "ok" {
		return Ticket{ID: t.ID}, nil
	}
	if t.Details.Error == "DeviceNotRegistered" {
		return Ticket{}, fmt.Errorf("%w: %s", ErrInvalidToken, t.Message)
	}
	return Ticket{}, fmt.Errorf("expo ticket error: %s: %s", t.Details.Error, t.Message)
}

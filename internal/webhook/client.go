package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "wagate/pkg/logx"
)

// Client posts dispatch events to the downstream automation endpoint.
//
// Delivery is at-least-once at best: the caller decides whether a failed post
// is retried (inbound relay payloads go through the durable relay queue) or
// merely logged (outbound receipts are advisory and fire-and-forget).
type Client struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log  logx.Logger
	http *http.Client
}

type Config struct {
	InboundURL string
	ReceiptURL string
	RatePerSec int
	Timeout    time.Duration
}

// InboundPayload mirrors the wire shape the automation endpoint expects.
type InboundPayload struct {
	Number    string `json:"number"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ReceiptPayload notifies the endpoint that a queued message went out.
type ReceiptPayload struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log}
	c.applyLocked(cfg)
	c.http = &http.Client{Timeout: c.cfg.Timeout}
	return c
}

func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.http.Timeout = c.cfg.Timeout
	c.mu.Unlock()
}

func (c *Client) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	c.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// PostInbound delivers an inbound-message payload.
func (c *Client) PostInbound(ctx context.Context, p InboundPayload) error {
	c.mu.Lock()
	url := c.cfg.InboundURL
	c.mu.Unlock()
	if strings.TrimSpace(url) == "" {
		// Relaying disabled on purpose; drop quietly.
		c.log.Debug("inbound webhook not configured, dropping payload",
			logx.String("number", p.Number))
		return nil
	}
	return c.post(ctx, url, p)
}

// PostReceipt delivers an outbound-send receipt. Best-effort.
func (c *Client) PostReceipt(ctx context.Context, p ReceiptPayload) error {
	c.mu.Lock()
	url := c.cfg.ReceiptURL
	c.mu.Unlock()
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return c.post(ctx, url, p)
}

func (c *Client) post(ctx context.Context, url string, v any) error {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

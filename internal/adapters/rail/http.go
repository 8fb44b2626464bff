package rail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/bawo/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	transfersPath = "/v1/transfers"

	headerTimestamp = "X-Timestamp"
	headerClientID  = "X-Client-Id"
	headerSignature = "X-Signature"
	headerIdemKey   = "Idempotency-Key"
)

// HTTPRail is a JSON gateway client. Every request is signed with
// HMAC-SHA512 over METHOD:PATH:CLIENT_ID:sha256(body):TIMESTAMP.
type HTTPRail struct {
	baseURL  string
	clientID string
	secret   string
	client   *http.Client
	poll     time.Duration
	log      logger.Logger
	now      func() time.Time
}

// HTTPOption configures an HTTPRail.
type HTTPOption func(*HTTPRail)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPRail) {
		if c != nil {
			r.client = c
		}
	}
}

// WithPollInterval sets how often AwaitConfirmation polls the transfer status.
func WithPollInterval(d time.Duration) HTTPOption {
	return func(r *HTTPRail) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRailLogger sets the logger.
func WithRailLogger(l logger.Logger) HTTPOption {
	return func(r *HTTPRail) {
		if l != nil {
			r.log = l
		}
	}
}

// NewHTTP creates a gateway client rooted at baseURL.
func NewHTTP(baseURL, clientID, secret string, opts ...HTTPOption) *HTTPRail {
	r := &HTTPRail{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
		poll:     500 * time.Millisecond,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("rail")
	}
	return r
}

type transferRequest struct {
	Reference   string `json:"reference"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

type transferResponse struct {
	ID      string `json:"id"`
	Fee     string `json:"fee"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send implements Rail.
func (r *HTTPRail) Send(ctx context.Context, p Payment) (Receipt, error) {
	body, err := json.Marshal(transferRequest{
		Reference:   p.Reference,
		Destination: p.Destination,
		Amount:      p.Amount.StringFixed(2),
		Currency:    "USD",
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode transfer: %w", err)
	}
	var out transferResponse
	if err := r.do(ctx, http.MethodPost, transfersPath, body, p.Reference, &out); err != nil {
		return Receipt{}, err
	}
	if out.ID == "" {
		return Receipt{}, fmt.Errorf("%w: empty transfer id", ErrUnavailable)
	}
	fee := decimal.Zero
	if out.Fee != "" {
		if fee, err = decimal.NewFromString(out.Fee); err != nil {
			return Receipt{}, fmt.Errorf("%w: bad fee %q", ErrUnavailable, out.Fee)
		}
	}
	return Receipt{ID: out.ID, Fee: fee}, nil
}

// AwaitConfirmation implements Rail. It polls until the transfer is final or
// ctx is done.
func (r *HTTPRail) AwaitConfirmation(ctx context.Context, rc Receipt) (Confirmation, error) {
	path := transfersPath + "/" + url.PathEscape(rc.ID)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		var out transferResponse
		err := r.do(ctx, http.MethodGet, path, nil, "", &out)
		switch {
		case err != nil && ctx.Err() != nil:
			return Confirmation{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case err != nil:
			// Transient errors are retried until the deadline.
			r.log.Warn(ctx, "poll transfer failed", logger.String("receipt", rc.ID), logger.Error(err))
		case Status(out.Status) == StatusConfirmed:
			return Confirmation{Receipt: rc, Status: StatusConfirmed}, nil
		case Status(out.Status) == StatusFailed:
			return Confirmation{Receipt: rc, Status: StatusFailed, Reason: out.Message}, nil
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *HTTPRail) do(ctx context.Context, method, path string, body []byte, idem string, out any) error {
	ts := r.now().UTC().Format(time.RFC3339)
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerClientID, r.clientID)
	req.Header.Set(headerSignature, Sign(r.secret, method, path, r.clientID, body, ts))
	if idem != "" {
		req.Header.Set(headerIdemKey, idem)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e transferResponse
		_ = json.Unmarshal(raw, &e)
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, e.Message)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}
	return nil
}

// Sign computes the request signature. Exported so gateways and tests can
// verify requests.
func Sign(secret, method, path, clientID string, body []byte, timestamp string) string {
	sum := sha256.Sum256(body)
	toSign := method + ":" + path + ":" + clientID + ":" + strings.ToLower(hex.EncodeToString(sum[:])) + ":" + timestamp
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package gateway

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
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrRejected    = errors.New("payment gateway rejected request")
)

// Error is returned for every failed gateway call. It matches ErrUnavailable
// or ErrRejected through Kind and keeps the transport cause when there is one.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsUnknownReference reports whether the gateway answered that it has no
// transaction under the requested reference.
func IsUnknownReference(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && errors.Is(gerr.Kind, ErrRejected) && gerr.StatusCode == http.StatusNotFound
}

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
	HTTP      *http.Client
}

// Client talks to the payment provider. It never retries; callers decide.
// The limiter, when set, throttles outbound calls for the whole process.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	limiter   *rate.Limiter
}

func NewClient(cfg Config, limiter *rate.Limiter) *Client {
	hc := cfg.HTTP
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		http:      hc,
		limiter:   limiter,
	}
}

func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*Checkout, error) {
	const op = "initialize transaction"
	if req.Reference == "" || req.Email == "" || req.Amount <= 0 {
		return nil, &Error{Kind: ErrRejected, Op: op, Message: "reference, email and positive amount required"}
	}

	body, err := json.Marshal(initializeBody{
		Email:       req.Email,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	data, err := c.do(ctx, op, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	var out Checkout
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: ErrUnavailable, Op: op, Message: "malformed response", Err: err}
	}
	if out.AuthorizationURL == "" {
		return nil, &Error{Kind: ErrRejected, Op: op, Message: "missing authorization url"}
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return &out, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	const op = "verify transaction"
	if strings.TrimSpace(reference) == "" {
		return nil, &Error{Kind: ErrRejected, Op: op, Message: "reference required"}
	}

	data, err := c.do(ctx, op, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, &Error{Kind: ErrUnavailable, Op: op, Message: "malformed response", Err: err}
	}
	tx.Raw = data
	if tx.Reference == "" {
		tx.Reference = reference
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: ErrUnavailable, Op: op, Message: "rate limited", Err: err}
		}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: ErrUnavailable, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: ErrUnavailable, Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: ErrRejected, Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	case !env.Status:
		return nil, &Error{Kind: ErrRejected, Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	return env.Data, nil
}

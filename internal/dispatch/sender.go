package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/signing"
)

// maxResponseBytes bounds how much of a receiver's response body is kept
// on the delivery record and attempt log.
const maxResponseBytes = 1000

// defaultTimeout applies when a subscription carries no timeout option.
const defaultTimeout = 10 * time.Second

type SendResult struct {
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Error        string
}

// Success classifies any 2xx response as delivered; everything else,
// including transport errors and timeouts, is a failure.
func (r *SendResult) Success() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender builds the outbound HTTP client. No client-level timeout is
// set; each attempt gets its own deadline from the subscription's
// timeout option so that a timeout cancels exactly that attempt.
func NewSender(userAgent string) *Sender {
	return &Sender{
		client:    &http.Client{},
		userAgent: userAgent,
	}
}

// Send performs one HTTP attempt for a delivery. The payload's attempt
// field changes per try, so the body is re-stamped and re-signed here,
// immediately before transmission, and the signed bytes are sent as-is.
func (s *Sender) Send(ctx context.Context, sub *models.Subscription, d *models.Delivery) *SendResult {
	start := time.Now()

	body, payload, err := stampPayload(d.Payload, d.Attempt, sub.Secret)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to encode payload: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	timeout := defaultTimeout
	if sub.Options.TimeoutMs > 0 {
		timeout = time.Duration(sub.Options.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to create request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	headers := signing.BuildHeaders(body, sub.Secret, d.ID, payload.Event, sub.ID, s.userAgent, sub.Options.CustomHeaders)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// A slow endpoint and an unreachable one are different operator
		// problems; keep the timeout error distinguishable.
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return &SendResult{
				Error:     fmt.Sprintf("Timeout after %dms", timeout.Milliseconds()),
				LatencyMs: time.Since(start).Milliseconds(),
			}
		}
		return &SendResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
}

// stampPayload sets the attempt counter, recomputes the embedded
// signature, and returns the exact bytes to transmit. The header
// signature in BuildHeaders is computed over these final bytes, so a
// receiver hashing the raw body it got will match.
func stampPayload(raw json.RawMessage, attempt int, secret string) ([]byte, *models.DeliveryPayload, error) {
	var p models.DeliveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, err
	}
	p.Attempt = attempt
	p.Signature = ""

	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	p.Signature = signing.SignRaw(unsigned, secret)

	body, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return body, &p, nil
}

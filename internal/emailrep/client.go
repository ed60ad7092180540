// Package emailrep talks to the external email-reputation service. The
// email collector scales its [0,1] risk score to the pipeline's 0–100 range
// and fails open when this client errors.
package emailrep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/erf/formgate/internal/circuitbreaker"
)

// Reputation decisions.
const (
	DecisionAllow = "allow"
	DecisionWarn  = "warn"
	DecisionBlock = "block"
)

// Validation is the normalized reputation verdict.
type Validation struct {
	Valid     bool            `json:"valid"`
	RiskScore float64         `json:"riskScore"` // 0..1
	Decision  string          `json:"decision"`
	Signals   json.RawMessage `json:"signals,omitempty"`
}

// Client posts validation requests to the reputation endpoint.
type Client struct {
	url      string
	apiKey   string
	consumer string
	flow     string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   *log.Logger
}

// NewClient builds a reputation client. breaker may be nil.
func NewClient(url, apiKey, consumer, flow string, breaker *circuitbreaker.CircuitBreaker) *Client {
	return &Client{
		url:      url,
		apiKey:   apiKey,
		consumer: consumer,
		flow:     flow,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: breaker,
		logger:  log.New(log.Writer(), "[EMAILREP] ", log.LstdFlags),
	}
}

type validateRequest struct {
	Email    string            `json:"email"`
	Consumer string            `json:"consumer"`
	Flow     string            `json:"flow"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Validate asks the reputation service about one email. headers is the
// curated request-context bundle assembled by the collector; it rides along
// so the upstream can factor in network provenance.
func (c *Client) Validate(ctx context.Context, email string, headers map[string]string) (*Validation, error) {
	if c.url == "" {
		return nil, fmt.Errorf("emailrep: endpoint not configured")
	}

	call := func(ctx context.Context) (interface{}, error) {
		return c.post(ctx, email, headers)
	}

	var (
		raw interface{}
		err error
	)
	if c.breaker != nil {
		raw, err = c.breaker.ExecuteContext(ctx, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		c.logger.Printf("❌ Validation failed (email=%s…): %v", HashEmail(email)[:12], err)
		return nil, err
	}

	v := raw.(*Validation)
	if v.RiskScore < 0 {
		v.RiskScore = 0
	}
	if v.RiskScore > 1 {
		v.RiskScore = 1
	}
	if v.Decision == "" {
		v.Decision = DecisionAllow
	}
	return v, nil
}

func (c *Client) post(ctx context.Context, email string, headers map[string]string) (*Validation, error) {
	payload, err := json.Marshal(validateRequest{
		Email:    email,
		Consumer: c.consumer,
		Flow:     c.flow,
		Headers:  headers,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("reputation service returned %d", httpResp.StatusCode)
	}

	var v Validation
	if err := json.NewDecoder(httpResp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &v, nil
}

// HashEmail hides an address behind its SHA-256 hex digest for log lines.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

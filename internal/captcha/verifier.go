// Package captcha verifies challenge tokens against the upstream siteverify
// endpoint and guards against token replay.
package captcha

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

// Replay and failure reasons attached to verification results.
const (
	ReasonAPIRequestFailed = "api_request_failed"
	ReasonTurnstileFailed  = "turnstile_failed"
	ReasonTokenReused      = "token_reused"
)

// Verifier is what the pipeline consumes; the testing bypass swaps in a mock.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*Result, error)
}

// Result is the normalized verification outcome. The raw token never leaves
// the adapter; TokenHash is its SHA-256 hex digest.
type Result struct {
	Valid       bool         `json:"valid"`
	Reason      string       `json:"reason,omitempty"`
	ErrorCodes  []string     `json:"errorCodes,omitempty"`
	Errors      []CodeDetail `json:"errors,omitempty"`
	ChallengeTS string       `json:"challengeTs,omitempty"`
	Hostname    string       `json:"hostname,omitempty"`
	Action      string       `json:"action,omitempty"`
	CData       string       `json:"cdata,omitempty"`
	EphemeralID string       `json:"ephemeralId,omitempty"`
	TokenHash   string       `json:"tokenHash"`

	// ConfigAlert is set when any error code points at a deployment problem
	// (bad secret, malformed sitekey) rather than at the client.
	ConfigAlert bool `json:"configAlert,omitempty"`
}

// siteverifyRequest is the upstream wire format.
type siteverifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

type siteverifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
	Action      string   `json:"action"`
	CData       string   `json:"cdata"`
	Metadata    struct {
		EphemeralID string `json:"ephemeral_id"`
	} `json:"metadata"`
}

// HTTPVerifier calls the real siteverify endpoint through a circuit breaker.
type HTTPVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *log.Logger
}

// NewHTTPVerifier builds the production verifier. breaker may be nil; calls
// then go out unguarded.
func NewHTTPVerifier(secret, verifyURL string, breaker *circuitbreaker.CircuitBreaker) *HTTPVerifier {
	return &HTTPVerifier{
		secret:    secret,
		verifyURL: verifyURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: breaker,
		logger:  log.New(log.Writer(), "[CAPTCHA] ", log.LstdFlags),
	}
}

// HashToken returns the SHA-256 hex digest of a raw token. Everything that
// persists or logs token identity goes through this.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify posts the token upstream and normalizes the response. Transport
// failures and an open breaker both degrade to an api_request_failed result
// instead of an error: the pipeline owns the decision of what that means.
func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (*Result, error) {
	hash := HashToken(token)

	call := func(ctx context.Context) (interface{}, error) {
		return v.post(ctx, token, remoteIP)
	}

	var (
		raw interface{}
		err error
	)
	if v.breaker != nil {
		raw, err = v.breaker.ExecuteContext(ctx, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		v.logger.Printf("❌ siteverify unavailable (token=%s…): %v", hash[:12], err)
		return &Result{Valid: false, Reason: ReasonAPIRequestFailed, TokenHash: hash}, nil
	}

	resp := raw.(*siteverifyResponse)
	if resp.Success {
		return &Result{
			Valid:       true,
			ChallengeTS: resp.ChallengeTS,
			Hostname:    resp.Hostname,
			Action:      resp.Action,
			CData:       resp.CData,
			EphemeralID: resp.Metadata.EphemeralID,
			TokenHash:   hash,
		}, nil
	}

	res := &Result{
		Valid:       false,
		Reason:      ReasonTurnstileFailed,
		ErrorCodes:  resp.ErrorCodes,
		ChallengeTS: resp.ChallengeTS,
		Hostname:    resp.Hostname,
		Action:      resp.Action,
		TokenHash:   hash,
	}
	for _, code := range resp.ErrorCodes {
		detail := LookupErrorCode(code)
		res.Errors = append(res.Errors, detail)
		if detail.Category == CategoryConfiguration {
			res.ConfigAlert = true
		}
	}
	v.logger.Printf("⚠️  Verification failed (token=%s…): %v", hash[:12], resp.ErrorCodes)
	return res, nil
}

func (v *HTTPVerifier) post(ctx context.Context, token, remoteIP string) (*siteverifyResponse, error) {
	payload, err := json.Marshal(siteverifyRequest{
		Secret:   v.secret,
		Response: token,
		RemoteIP: remoteIP,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal siteverify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siteverify request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("siteverify returned %d", httpResp.StatusCode)
	}

	var resp siteverifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode siteverify response: %w", err)
	}
	return &resp, nil
}

// Package alerts delivers operator notifications (CAPTCHA configuration
// failures, circuit-breaker transitions, high-confidence blocks) to a
// webhook, asynchronously and off the request path.
package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Alert types.
const (
	TypeCaptchaConfig  = "captcha_config"
	TypeBreakerState   = "breaker_state"
	TypeHighConfidence = "high_confidence_block"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is the wire payload POSTed to the operator webhook.
type Alert struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Erfid     string                 `json:"erfid,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type deliveryJob struct {
	alert   *Alert
	attempt int
}

// Dispatcher fans alerts out to the webhook through a bounded queue and a
// background worker pool. A full queue drops alerts rather than blocking
// the submission path.
type Dispatcher struct {
	webhookURL string
	secret     string
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	workers    int
}

// NewDispatcher starts the worker pool. An empty webhookURL turns the
// dispatcher into a no-op sink so callers never need to nil-check.
func NewDispatcher(webhookURL, secret string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *deliveryJob, 1000),
		logger:  log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Emit queues an alert for delivery. Non-blocking.
func (d *Dispatcher) Emit(alertType, severity, title, message, erfid string, details map[string]interface{}) {
	if d.webhookURL == "" {
		return
	}

	alert := &Alert{
		ID:        fmt.Sprintf("alt-%d", time.Now().UnixNano()),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Erfid:     erfid,
		Details:   details,
		Timestamp: time.Now(),
	}

	select {
	case d.queue <- &deliveryJob{alert: alert, attempt: 1}:
	default:
		d.logger.Printf("⚠️  Alert queue full, dropping %s (%s)", alert.ID, alert.Type)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.alert)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest("POST", d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ Failed to create alert request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Formgate-Alert-Type", job.alert.Type)
	req.Header.Set("X-Formgate-Alert-ID", job.alert.ID)
	req.Header.Set("X-Formgate-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	if d.secret != "" {
		req.Header.Set("X-Formgate-Signature", "sha256="+SignPayload(payload, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Alert delivery failed: %s → %v", job.alert.ID, err)

		// Retry up to 3 times with exponential backoff
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Alert webhook returned %d for %s (%s)", resp.StatusCode, job.alert.ID, job.alert.Type)
	} else {
		d.logger.Printf("✅ Alert delivered: %s (%s)", job.alert.ID, job.alert.Type)
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// SignPayload computes the hex HMAC-SHA256 of the payload so receivers can
// authenticate alerts.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

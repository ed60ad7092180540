// Package pipeline orchestrates one submission attempt end to end:
// definitive checks, concurrent signal collection, the holistic risk
// decision, and persistence. It owns every block decision; collectors and
// stores never block a request on their own.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/erf/formgate/internal/alerts"
	"github.com/erf/formgate/internal/apperr"
	"github.com/erf/formgate/internal/blocklist"
	"github.com/erf/formgate/internal/cache"
	"github.com/erf/formgate/internal/captcha"
	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/emailrep"
	"github.com/erf/formgate/internal/erfid"
	"github.com/erf/formgate/internal/fields"
	"github.com/erf/formgate/internal/metadata"
	"github.com/erf/formgate/internal/monitoring"
	"github.com/erf/formgate/internal/scoring"
	"github.com/erf/formgate/internal/signals"
)

// Detection types the pipeline writes that do not come straight from a
// collector. JA4 blocks carry the triggering layer's own label instead.
const (
	DetectionTokenReplay     = "token_replay_protection"
	DetectionTurnstileFailed = "turnstile_failed"
	DetectionDuplicateEmail  = "duplicate_email"
)

// Pipeline outcome labels for the submissions counter.
const (
	outcomeCreated         = "created"
	outcomeBlocked         = "blocked"
	outcomeConflict        = "conflict"
	outcomeValidationError = "validation_error"
	outcomeCaptchaFailed   = "captcha_failed"
	outcomeReplay          = "replay"
	outcomeUnavailable     = "upstream_unavailable"
	outcomeError           = "error"
)

// highConfidenceScore separates medium from high confidence on
// score-triggered blocks.
const highConfidenceScore = 80

// flushTimeout bounds persistence writes that outlive a disconnected client.
const flushTimeout = 5 * time.Second

// Store is the persistence surface the pipeline uses. *database.Store
// satisfies it; tests swap in fakes.
type Store interface {
	InsertSubmission(ctx context.Context, sub *database.Submission) (int64, error)
	InsertValidationEvent(ctx context.Context, ev *database.ValidationEvent) (int64, error)
	InsertFraudBlock(ctx context.Context, fb *database.FraudBlock) (int64, error)
	FindValidationEventByTokenHash(ctx context.Context, tokenHash string) (*database.ValidationEvent, error)
	FindSubmissionByEmail(ctx context.Context, email string) (*database.Submission, error)
}

// Blocklist is the decision engine's view of the block store.
type Blocklist interface {
	Check(ctx context.Context, q blocklist.CheckQuery) (*blocklist.CheckResult, error)
	Add(ctx context.Context, p blocklist.AddParams) (*blocklist.Entry, error)
	OffenseCount(ctx context.Context, email, ephemeralID, remoteIP string) (int, error)
	CountDuplicateEmailEntries(ctx context.Context, email, remoteIP string, window time.Duration) (int, error)
}

// Deps wires the pipeline at the composition root. Metrics and Alerts may be
// nil; MockVerifier is only consulted when the testing bypass authorizes.
type Deps struct {
	Manager      *config.Manager
	IDs          *erfid.Generator
	Store        Store
	Blocklist    Blocklist
	Collectors   *signals.Collectors
	Verifier     captcha.Verifier
	MockVerifier captcha.Verifier
	ReplayCache  *captcha.RecentTokenCache
	Metrics      *monitoring.Metrics
	Alerts       *alerts.Dispatcher
}

// Pipeline is safe for concurrent use; each Submit call is independent.
type Pipeline struct {
	manager    *config.Manager
	ids        *erfid.Generator
	store      Store
	blocklist  Blocklist
	collectors *signals.Collectors
	verifier   captcha.Verifier
	mock       captcha.Verifier
	replay     *captcha.RecentTokenCache
	metrics    *monitoring.Metrics
	alerts     *alerts.Dispatcher
	extractors *cache.TTL[*fields.Extractor]
	logger     *log.Logger
}

// New builds the pipeline. The extractor cache shares the route-config TTL
// so recompiles track re-resolution.
func New(deps Deps) *Pipeline {
	mock := deps.MockVerifier
	if mock == nil {
		mock = captcha.NewMockVerifier()
	}
	return &Pipeline{
		manager:    deps.Manager,
		ids:        deps.IDs,
		store:      deps.Store,
		blocklist:  deps.Blocklist,
		collectors: deps.Collectors,
		verifier:   deps.Verifier,
		mock:       mock,
		replay:     deps.ReplayCache,
		metrics:    deps.Metrics,
		alerts:     deps.Alerts,
		extractors: cache.NewTTL[*fields.Extractor](config.DefaultRouteTTL),
		logger:     log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Request is one inbound submission attempt, already stripped of transport
// concerns: the raw body plus the extracted request metadata. APIKey is the
// operator key presented by the client, if any; combined with
// ALLOW_TESTING_BYPASS it swaps CAPTCHA verification for the mock.
type Request struct {
	Body     []byte
	Metadata *metadata.RequestMetadata
	APIKey   string
}

// Result is the pipeline's outcome union: Err == nil means a submission row
// was created. The HTTP adapter shapes the response from it; the pipeline
// never touches the transport.
type Result struct {
	Erfid        string
	SubmissionID int64
	Message      string
	Breakdown    *scoring.Breakdown
	Err          *apperr.Error
}

// OK reports whether the submission was accepted.
func (r *Result) OK() bool { return r.Err == nil }

// Submit runs the full decision state machine for one attempt.
func (p *Pipeline) Submit(ctx context.Context, req *Request) *Result {
	start := time.Now()
	res, outcome := p.run(ctx, req)
	if p.metrics != nil {
		p.metrics.RecordSubmission(outcome, time.Since(start).Seconds())
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, req *Request) (*Result, string) {
	cfg := p.manager.Config()
	fraud := cfg.Fraud

	md := req.Metadata
	if md == nil {
		md = &metadata.RequestMetadata{RemoteIP: "0.0.0.0"}
	}

	id := p.ids.Generate()
	res := &Result{Erfid: id}

	// PARSE_PAYLOAD
	var payload map[string]interface{}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		res.Err = apperr.New(apperr.KindValidation, "request body must be a JSON object").WithErfid(id)
		return res, outcomeValidationError
	}

	bypass := p.bypassAuthorized(cfg, req.APIKey)

	// VALIDATE_SCHEMA
	extractor, err := p.extractor()
	if err != nil {
		p.logger.Printf("❌ Field mappings unusable (erfid=%s): %v", id, err)
		res.Err = apperr.Wrap(apperr.KindInternal, "submission schema unavailable", err).WithErfid(id)
		return res, outcomeError
	}
	var opts fields.Options
	if bypass {
		opts.Waive = []string{fields.FieldTurnstileToken}
	}
	values, fieldErrs := extractor.Extract(payload, opts)
	if len(fieldErrs) > 0 {
		res.Err = apperr.New(apperr.KindValidation, "submission failed validation").
			WithErfid(id).
			WithDetails(map[string]interface{}{"fields": fieldErrs})
		return res, outcomeValidationError
	}

	email := values.Str(fields.FieldEmail)
	token := values.Str(fields.FieldTurnstileToken)
	if token == "" {
		// Only reachable under bypass (the schema requires the token
		// otherwise). A synthetic unique token keeps replay bookkeeping and
		// the validation row coherent.
		token = "testing-bypass-" + id
	}

	// PRE_BLOCKLIST: definitive check, fails closed.
	check, err := p.blocklist.Check(ctx, blocklist.CheckQuery{
		Email:    email,
		RemoteIP: md.RemoteIP,
		JA4:      md.JA4,
	})
	if err != nil {
		res.Err = apperr.Wrap(apperr.KindDatabase, "blocklist unavailable", err).WithErfid(id)
		return res, outcomeError
	}
	if check.Blocked {
		return p.rejectPreValidation(ctx, res, md, email, check, bypass), outcomeBlocked
	}

	// TOKEN_REPLAY: the in-process cache catches rapid replays, the
	// validation-event history is authoritative.
	tokenHash := captcha.HashToken(token)
	replayed := p.replay != nil && p.replay.CheckAndRemember(tokenHash)
	if !replayed {
		prior, err := p.store.FindValidationEventByTokenHash(ctx, tokenHash)
		if err != nil {
			res.Err = apperr.Wrap(apperr.KindDatabase, "token history unavailable", err).WithErfid(id)
			return res, outcomeError
		}
		replayed = prior != nil
	}
	if replayed {
		return p.rejectTokenReplay(ctx, res, md, tokenHash, fraud, bypass), outcomeReplay
	}

	// CAPTCHA_VERIFY
	verifier := p.verifier
	if bypass {
		verifier = p.mock
	}
	vr, err := verifier.Verify(ctx, token, md.RemoteIP)
	if err != nil {
		// Adapters normalize failures into results; an error here is a bug
		// in a custom verifier. Treat it like an unreachable upstream.
		p.logger.Printf("❌ Verifier error (erfid=%s): %v", id, err)
		vr = &captcha.Result{Valid: false, Reason: captcha.ReasonAPIRequestFailed, TokenHash: tokenHash}
	}
	if vr.ConfigAlert && p.alerts != nil {
		p.alerts.Emit(alerts.TypeCaptchaConfig, alerts.SeverityCritical,
			"CAPTCHA configuration error",
			"siteverify rejected the request with a configuration-category code",
			id, map[string]interface{}{"errorCodes": vr.ErrorCodes})
	}
	if p.metrics != nil {
		p.metrics.RecordCaptcha(captchaOutcome(vr, bypass))
	}
	if !vr.Valid {
		if vr.Reason == captcha.ReasonAPIRequestFailed {
			p.persistValidationEvent(ctx, &database.ValidationEvent{
				TokenHash:     vr.TokenHash,
				Success:       false,
				Allowed:       false,
				BlockReason:   captcha.ReasonAPIRequestFailed,
				Metadata:      mustJSON(md),
				Erfid:         id,
				TestingBypass: bypass,
				RemoteIP:      md.RemoteIP,
				JA4:           md.JA4,
			})
			res.Err = apperr.New(apperr.KindExternalService,
				"CAPTCHA verification is temporarily unavailable; please try again shortly").WithErfid(id)
			return res, outcomeUnavailable
		}
		return p.rejectCaptchaFailure(ctx, res, md, vr, fraud, bypass), outcomeCaptchaFailed
	}

	// Client gone before signal collection: abort with no writes.
	if err := ctx.Err(); err != nil {
		res.Err = apperr.Wrap(apperr.KindInternal, "request canceled", err).WithErfid(id)
		return res, outcomeError
	}

	// SIGNALS: five collectors, concurrently.
	bundle := p.collect(ctx, md, email, vr.EphemeralID, fraud)

	// DUPLICATE_EMAIL_CHECK: definitive, fails closed.
	prior, err := p.store.FindSubmissionByEmail(ctx, email)
	if err != nil {
		res.Err = apperr.Wrap(apperr.KindDatabase, "submission history unavailable", err).WithErfid(id)
		return res, outcomeError
	}
	if prior != nil {
		return p.rejectDuplicateEmail(ctx, res, md, email, vr, bundle, fraud, bypass)
	}

	// RISK_SCORE
	trigger, detection := electDetection(bundle, fraud)
	breakdown := scoring.Score(scoring.Inputs{
		EmailRiskScore:         bundle.Email.RiskScore,
		HasEmailSignal:         bundle.Email.Present,
		EphemeralIDCount:       bundle.Ephemeral.SubmissionCount,
		ValidationCount:        bundle.Ephemeral.ValidationCount,
		UniqueIPCount:          bundle.Ephemeral.UniqueIPCount,
		JA4RawScore:            bundle.JA4.RawScore,
		IPRateScore:            bundle.IPRate.Score,
		HeaderFingerprintScore: bundle.Fingerprint.HeaderReuseScore,
		TLSAnomalyScore:        bundle.Fingerprint.TLSAnomalyScore,
		LatencyMismatchScore:   bundle.Fingerprint.LatencyMismatchScore,
		BlockTrigger:           trigger,
	}, fraud)
	res.Breakdown = breakdown

	if breakdown.Total >= float64(fraud.BlockThreshold) {
		return p.block(ctx, res, md, email, vr, bundle, breakdown, trigger, detection, fraud, bypass), outcomeBlocked
	}
	return p.accept(ctx, res, req, md, values, vr, bundle, breakdown, bypass)
}

// bypassAuthorized gates the testing bypass on both the process flag and the
// operator key.
func (p *Pipeline) bypassAuthorized(cfg *config.Config, apiKey string) bool {
	return cfg.Server.AllowTestingBypass &&
		cfg.Server.APIKey != "" &&
		apiKey == cfg.Server.APIKey
}

// extractor serves the compiled field extractor, recompiling only when the
// route config actually changed.
func (p *Pipeline) extractor() (*fields.Extractor, error) {
	routes := p.manager.Routes()
	raw, err := json.Marshal(routes.Fields)
	if err != nil {
		return nil, err
	}
	key := cache.Fingerprint(string(raw), routes.DefaultCountryPrefix)
	if ex, ok := p.extractors.Get(key); ok {
		return ex, nil
	}
	ex, err := fields.Compile(routes.Fields, routes.DefaultCountryPrefix)
	if err != nil {
		return nil, err
	}
	p.extractors.Set(key, ex)
	return ex, nil
}

// InvalidateExtractors drops compiled extractors; wired to the config
// manager's invalidation hook.
func (p *Pipeline) InvalidateExtractors() {
	p.extractors.Invalidate()
}

// collect fans the five collectors out and joins on all of them. Each
// collector writes its own bundle slot, so no lock is needed.
func (p *Pipeline) collect(ctx context.Context, md *metadata.RequestMetadata, email, ephemeralID string, fraud config.FraudConfig) *signals.Bundle {
	var (
		bundle signals.Bundle
		wg     sync.WaitGroup
	)

	run := func(name string, fn func() []string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			warnings := fn()
			if p.metrics != nil {
				p.metrics.RecordCollector(name, time.Since(start).Seconds(), degraded(warnings))
			}
		}()
	}

	run("email", func() []string {
		bundle.Email = p.collectors.CollectEmail(ctx, email, md)
		return bundle.Email.Warnings
	})
	run("ephemeral_id", func() []string {
		bundle.Ephemeral = p.collectors.CollectEphemeralID(ctx, ephemeralID, fraud)
		return bundle.Ephemeral.Warnings
	})
	run("ja4", func() []string {
		bundle.JA4 = p.collectors.CollectJA4(ctx, md, fraud)
		return bundle.JA4.Warnings
	})
	run("ip_rate", func() []string {
		bundle.IPRate = p.collectors.CollectIPRate(ctx, md.RemoteIP, fraud)
		return nil
	})
	run("fingerprint", func() []string {
		bundle.Fingerprint = p.collectors.CollectFingerprint(ctx, md, fraud)
		return bundle.Fingerprint.Warnings
	})

	wg.Wait()
	return &bundle
}

// degraded reports whether a collector fell back to neutral values; the
// fail-open warnings all name an unavailable source.
func degraded(warnings []string) bool {
	for _, w := range warnings {
		if strings.HasSuffix(w, "unavailable") {
			return true
		}
	}
	return false
}

// electDetection derives the primary block trigger from the collected
// evidence. The returned detection label is what gets persisted; it matches
// the trigger except for JA4, where the triggering layer is more specific.
func electDetection(b *signals.Bundle, fraud config.FraudConfig) (trigger, detection string) {
	var candidates []string

	if b.Email.Present && b.Email.Decision == emailrep.DecisionBlock {
		candidates = append(candidates, scoring.TriggerEmailFraud)
	}
	if b.Ephemeral.Present {
		if b.Ephemeral.SubmissionCount >= fraud.EphemeralSubmissionThreshold {
			candidates = append(candidates, scoring.TriggerEphemeralIDFraud)
		}
		if b.Ephemeral.ValidationCount >= fraud.ValidationBlockThreshold {
			candidates = append(candidates, scoring.TriggerValidationFrequency)
		}
		if b.Ephemeral.UniqueIPCount > fraud.IPDiversityThreshold {
			candidates = append(candidates, scoring.TriggerIPDiversity)
		}
	}
	if b.JA4.DetectionType != "" {
		candidates = append(candidates, scoring.TriggerJA4SessionHopping)
	}
	if b.Fingerprint.PrimaryTrigger != "" {
		candidates = append(candidates, b.Fingerprint.PrimaryTrigger)
	}

	trigger = scoring.ElectTrigger(candidates, fraud.BlockThreshold)
	detection = trigger
	if trigger == scoring.TriggerJA4SessionHopping {
		detection = b.JA4.DetectionType
	}
	return trigger, detection
}

// rejectPreValidation handles an active blocklist match before any CAPTCHA
// work: record a fraud-block row and shape the rate-limit error.
func (p *Pipeline) rejectPreValidation(ctx context.Context, res *Result, md *metadata.RequestMetadata, email string, check *blocklist.CheckResult, bypass bool) *Result {
	entry := check.Entry
	msg := blockMessageForDetection(entry.DetectionType, time.Duration(check.RetryAfter)*time.Second)

	p.persistFraudBlock(ctx, &database.FraudBlock{
		Erfid:         res.Erfid,
		Email:         email,
		RemoteIP:      md.RemoteIP,
		BlockReason:   msg,
		DetectionType: entry.DetectionType,
		RiskScore:     entry.RiskScore,
		RiskBreakdown: entry.RiskBreakdown,
		Metadata:      mustJSON(md),
		TestingBypass: bypass,
	})

	if p.metrics != nil {
		p.metrics.RecordBlocklistHit(matchedIdentifier(entry, email, md))
	}
	p.logger.Printf("🚫 Pre-validation block (erfid=%s, detection=%s, retryAfter=%ds)",
		res.Erfid, entry.DetectionType, check.RetryAfter)

	res.Err = apperr.New(apperr.KindRateLimit, msg).
		WithErfid(res.Erfid).
		WithRetry(check.RetryAfter, check.ExpiresAt)
	return res
}

// rejectTokenReplay pins the score at 100 and records the attempt.
func (p *Pipeline) rejectTokenReplay(ctx context.Context, res *Result, md *metadata.RequestMetadata, tokenHash string, fraud config.FraudConfig, bypass bool) *Result {
	breakdown := scoring.Score(scoring.Inputs{TokenReplay: true}, fraud)
	res.Breakdown = breakdown

	msg := "Token replay attack detected: this CAPTCHA token was already used"
	p.persistValidationEvent(ctx, &database.ValidationEvent{
		TokenHash:     tokenHash,
		Success:       false,
		Allowed:       false,
		BlockReason:   msg,
		RiskScore:     breakdown.Total,
		RiskBreakdown: mustJSON(breakdown),
		DetectionType: DetectionTokenReplay,
		Metadata:      mustJSON(md),
		Erfid:         res.Erfid,
		TestingBypass: bypass,
		RemoteIP:      md.RemoteIP,
		JA4:           md.JA4,
	})
	if p.metrics != nil {
		p.metrics.RecordRiskScore("block", breakdown.Total)
	}
	p.logger.Printf("🚫 Token replay (erfid=%s, token=%s…)", res.Erfid, tokenHash[:12])

	res.Err = apperr.New(apperr.KindValidation, msg).WithErfid(res.Erfid)
	return res
}

// rejectCaptchaFailure records a failed verification and returns the
// validation error. turnstile_failed scores below the block threshold by
// design: the attempt is denied either way, the score just tracks it.
func (p *Pipeline) rejectCaptchaFailure(ctx context.Context, res *Result, md *metadata.RequestMetadata, vr *captcha.Result, fraud config.FraudConfig, bypass bool) *Result {
	breakdown := scoring.Score(scoring.Inputs{BlockTrigger: scoring.TriggerTurnstileFailed}, fraud)
	res.Breakdown = breakdown

	p.persistValidationEvent(ctx, &database.ValidationEvent{
		TokenHash:     vr.TokenHash,
		Success:       false,
		Allowed:       false,
		BlockReason:   "CAPTCHA verification failed",
		ChallengeTS:   database.ToSQLTime(vr.ChallengeTS),
		Hostname:      vr.Hostname,
		Action:        vr.Action,
		EphemeralID:   vr.EphemeralID,
		RiskScore:     breakdown.Total,
		RiskBreakdown: mustJSON(breakdown),
		DetectionType: DetectionTurnstileFailed,
		Metadata:      mustJSON(md),
		Erfid:         res.Erfid,
		TestingBypass: bypass,
		RemoteIP:      md.RemoteIP,
		JA4:           md.JA4,
	})
	p.logger.Printf("⚠️  CAPTCHA failed (erfid=%s, codes=%v)", res.Erfid, vr.ErrorCodes)

	res.Err = apperr.New(apperr.KindValidation, "CAPTCHA verification failed; please reload and try again").
		WithErfid(res.Erfid).
		WithDetails(map[string]interface{}{"errorCodes": vr.ErrorCodes})
	return res
}

// rejectDuplicateEmail runs the attempt-count branch: the first two
// occurrences for an (email, ip) pair are tracked and answered with a
// conflict; from the third on the pair is blocked with a progressive
// timeout.
func (p *Pipeline) rejectDuplicateEmail(ctx context.Context, res *Result, md *metadata.RequestMetadata, email string, vr *captcha.Result, bundle *signals.Bundle, fraud config.FraudConfig, bypass bool) (*Result, string) {
	window := time.Duration(fraud.DuplicateEmailTrackingSeconds) * time.Second
	priorEntries, err := p.blocklist.CountDuplicateEmailEntries(ctx, email, md.RemoteIP, window)
	if err != nil {
		res.Err = apperr.Wrap(apperr.KindDatabase, "duplicate tracking unavailable", err).WithErfid(res.Erfid)
		return res, outcomeError
	}
	occurrence := priorEntries + 1

	breakdown := p.scoreWithTrigger(bundle, scoring.TriggerDuplicateEmail, fraud)
	res.Breakdown = breakdown
	riskCopy := breakdown.Total

	if occurrence >= 3 {
		// Repeat offenses escalate past the duplicate-email tracking floor:
		// the pair is now being hammered, not mistyped.
		if riskCopy < float64(fraud.BlockThreshold) {
			riskCopy = float64(fraud.BlockThreshold)
			breakdown.Total = riskCopy
		}

		offense, err := p.blocklist.OffenseCount(ctx, email, vr.EphemeralID, md.RemoteIP)
		if err != nil {
			p.logger.Printf("⚠️  Offense count unavailable (erfid=%s): %v", res.Erfid, err)
			offense = occurrence
		}
		wait := blocklist.Duration(offense, fraud.ProgressiveTimeoutsSeconds)
		msg := blockMessage(scoring.TriggerDuplicateEmail, wait)

		entry, err := p.blocklist.Add(ctx, blocklist.AddParams{
			Email:         email,
			EphemeralID:   vr.EphemeralID,
			RemoteIP:      md.RemoteIP,
			BlockReason:   msg,
			Confidence:    blocklist.ConfidenceHigh,
			DetectionType: DetectionDuplicateEmail,
			RiskScore:     &riskCopy,
			RiskBreakdown: mustJSON(breakdown),
			Metadata:      mustJSON(map[string]interface{}{"occurrence": occurrence, "offenseCount": offense}),
			Erfid:         res.Erfid,
			ExpiresIn:     int(wait.Seconds()),
		})
		if err != nil {
			res.Err = apperr.Wrap(apperr.KindDatabase, "blocklist write failed", err).WithErfid(res.Erfid)
			return res, outcomeError
		}

		p.persistValidationEvent(ctx, p.validationEvent(res.Erfid, md, vr, breakdown, msg, DetectionDuplicateEmail, nil, bypass))
		if p.metrics != nil {
			p.metrics.RecordRiskScore("block", breakdown.Total)
			p.metrics.RecordBlocklistAdd(blocklist.ConfidenceHigh, DetectionDuplicateEmail)
		}
		if p.alerts != nil {
			p.alerts.Emit(alerts.TypeHighConfidence, alerts.SeverityWarning,
				"Repeated duplicate-email attempts blocked", msg, res.Erfid,
				map[string]interface{}{"occurrence": occurrence})
		}
		p.logger.Printf("🚫 Duplicate email occurrence %d blocked (erfid=%s, wait=%s)",
			occurrence, res.Erfid, wait)

		res.Err = apperr.New(apperr.KindRateLimit, msg).
			WithErfid(res.Erfid).
			WithRetry(int(wait.Seconds()), entry.ExpiresAt)
		return res, outcomeBlocked
	}

	// First or second occurrence: track it, answer with a conflict.
	msg := "This email address has already been registered"
	if _, err := p.blocklist.Add(ctx, blocklist.AddParams{
		Email:         email,
		RemoteIP:      md.RemoteIP,
		BlockReason:   msg,
		Confidence:    blocklist.ConfidenceLow,
		DetectionType: DetectionDuplicateEmail,
		RiskScore:     &riskCopy,
		RiskBreakdown: mustJSON(breakdown),
		Metadata:      mustJSON(map[string]interface{}{"occurrence": occurrence}),
		Erfid:         res.Erfid,
		ExpiresIn:     fraud.DuplicateEmailTrackingSeconds,
	}); err != nil {
		res.Err = apperr.Wrap(apperr.KindDatabase, "blocklist write failed", err).WithErfid(res.Erfid)
		return res, outcomeError
	}

	p.persistValidationEvent(ctx, p.validationEvent(res.Erfid, md, vr, breakdown, msg, DetectionDuplicateEmail, nil, bypass))
	if p.metrics != nil {
		p.metrics.RecordRiskScore("block", breakdown.Total)
		p.metrics.RecordBlocklistAdd(blocklist.ConfidenceLow, DetectionDuplicateEmail)
	}
	p.logger.Printf("⚠️  Duplicate email occurrence %d (erfid=%s)", occurrence, res.Erfid)

	res.Err = apperr.New(apperr.KindConflict, msg).WithErfid(res.Erfid)
	return res, outcomeConflict
}

// scoreWithTrigger recomputes the holistic score with a forced trigger; the
// duplicate-email branch uses it so the persisted breakdown still carries
// every collected component.
func (p *Pipeline) scoreWithTrigger(bundle *signals.Bundle, trigger string, fraud config.FraudConfig) *scoring.Breakdown {
	return scoring.Score(scoring.Inputs{
		EmailRiskScore:         bundle.Email.RiskScore,
		HasEmailSignal:         bundle.Email.Present,
		EphemeralIDCount:       bundle.Ephemeral.SubmissionCount,
		ValidationCount:        bundle.Ephemeral.ValidationCount,
		UniqueIPCount:          bundle.Ephemeral.UniqueIPCount,
		JA4RawScore:            bundle.JA4.RawScore,
		IPRateScore:            bundle.IPRate.Score,
		HeaderFingerprintScore: bundle.Fingerprint.HeaderReuseScore,
		TLSAnomalyScore:        bundle.Fingerprint.TLSAnomalyScore,
		LatencyMismatchScore:   bundle.Fingerprint.LatencyMismatchScore,
		BlockTrigger:           trigger,
	}, fraud)
}

// block writes the blocklist entry for a threshold-crossing score, persists
// the validation event and shapes the rate-limit error.
func (p *Pipeline) block(ctx context.Context, res *Result, md *metadata.RequestMetadata, email string, vr *captcha.Result, bundle *signals.Bundle, breakdown *scoring.Breakdown, trigger, detection string, fraud config.FraudConfig, bypass bool) *Result {
	// Email is an identifier only for email-specific detections; behavioral
	// blocks key on the device and network so rotating addresses won't help.
	entryEmail := ""
	if trigger == scoring.TriggerEmailFraud {
		entryEmail = email
	}

	offense, err := p.blocklist.OffenseCount(ctx, entryEmail, vr.EphemeralID, md.RemoteIP)
	if err != nil {
		p.logger.Printf("⚠️  Offense count unavailable (erfid=%s): %v", res.Erfid, err)
		offense = 1
	}
	wait := blocklist.Duration(offense, fraud.ProgressiveTimeoutsSeconds)
	msg := blockMessage(trigger, wait)

	confidence := blocklist.ConfidenceMedium
	if breakdown.Total >= highConfidenceScore {
		confidence = blocklist.ConfidenceHigh
	}

	riskCopy := breakdown.Total
	entry, err := p.blocklist.Add(ctx, blocklist.AddParams{
		Email:         entryEmail,
		EphemeralID:   vr.EphemeralID,
		RemoteIP:      md.RemoteIP,
		JA4:           md.JA4,
		BlockReason:   msg,
		Confidence:    confidence,
		DetectionType: detection,
		RiskScore:     &riskCopy,
		RiskBreakdown: mustJSON(breakdown),
		Metadata:      detectionMetadata(bundle),
		Erfid:         res.Erfid,
		ExpiresIn:     int(wait.Seconds()),
	})
	if err != nil {
		res.Err = apperr.Wrap(apperr.KindDatabase, "blocklist write failed", err).WithErfid(res.Erfid)
		return res
	}

	// From here on the block stands even if the client hangs up; the
	// validation row still gets flushed on a detached context.
	p.persistValidationEvent(ctx, p.validationEvent(res.Erfid, md, vr, breakdown, msg, detection, nil, bypass))

	if p.metrics != nil {
		p.metrics.RecordRiskScore("block", breakdown.Total)
		p.metrics.RecordBlocklistAdd(confidence, detection)
	}
	if confidence == blocklist.ConfidenceHigh && p.alerts != nil {
		p.alerts.Emit(alerts.TypeHighConfidence, alerts.SeverityWarning,
			"High-confidence fraud block", msg, res.Erfid,
			map[string]interface{}{
				"detectionType": detection,
				"riskScore":     breakdown.Total,
				"warnings":      bundleWarnings(bundle),
			})
	}
	p.logger.Printf("🚫 Blocked (erfid=%s, detection=%s, total=%.1f, wait=%s)",
		res.Erfid, detection, breakdown.Total, wait)

	res.Err = apperr.New(apperr.KindRateLimit, msg).
		WithErfid(res.Erfid).
		WithRetry(int(wait.Seconds()), entry.ExpiresAt)
	return res
}

// accept creates the submission row and its validation event. The email
// unique index is the linearization point: a concurrent first writer wins
// and this attempt degrades to a conflict.
func (p *Pipeline) accept(ctx context.Context, res *Result, req *Request, md *metadata.RequestMetadata, values *fields.Result, vr *captcha.Result, bundle *signals.Bundle, breakdown *scoring.Breakdown, bypass bool) (*Result, string) {
	sub := &database.Submission{
		Erfid:       res.Erfid,
		FirstName:   values.Str(fields.FieldFirstName),
		LastName:    values.Str(fields.FieldLastName),
		Email:       values.Str(fields.FieldEmail),
		Phone:       values.Str(fields.FieldPhone),
		DateOfBirth: values.Str(fields.FieldDateOfBirth),

		RawPayload:    json.RawMessage(req.Body),
		Metadata:      mustJSON(md),
		EphemeralID:   vr.EphemeralID,
		RiskBreakdown: mustJSON(breakdown),
		TestingBypass: bypass,

		RemoteIP:                md.RemoteIP,
		JA4:                     md.JA4,
		HeaderFingerprint:       md.HeaderFingerprint,
		TLSClientExtensionsSHA1: md.TLSClientExtensionsSHA1,
		ASN:                     md.ASN,
	}
	if addr := values.Address(); addr != nil {
		sub.Address = mustJSON(addr)
	}
	if bundle.Email.Present {
		sub.EmailSignals = mustJSON(bundle.Email)
	}

	subID, err := p.store.InsertSubmission(ctx, sub)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateEmail) {
			res.Err = apperr.New(apperr.KindConflict, "This email address has already been registered").
				WithErfid(res.Erfid)
			return res, outcomeConflict
		}
		res.Err = apperr.Wrap(apperr.KindDatabase, "submission could not be saved", err).WithErfid(res.Erfid)
		return res, outcomeError
	}

	// Replay protection depends on this row; fail closed if it cannot be
	// written.
	ev := p.validationEvent(res.Erfid, md, vr, breakdown, "", "", &subID, bypass)
	ev.Allowed = true
	if _, err := p.store.InsertValidationEvent(ctx, ev); err != nil {
		p.logger.Printf("❌ Validation event not persisted for submission %d (erfid=%s): %v",
			subID, res.Erfid, err)
		res.Err = apperr.Wrap(apperr.KindDatabase, "submission could not be recorded", err).WithErfid(res.Erfid)
		return res, outcomeError
	}

	if p.metrics != nil {
		p.metrics.RecordRiskScore("allow", breakdown.Total)
	}
	p.logger.Printf("✅ Submission %d created (erfid=%s, total=%.1f)", subID, res.Erfid, breakdown.Total)

	res.SubmissionID = subID
	res.Message = "Registration submitted successfully"
	return res, outcomeCreated
}

// validationEvent assembles the row shared by the decision paths. Allowed
// defaults to false; the accept path flips it and links the submission.
func (p *Pipeline) validationEvent(id string, md *metadata.RequestMetadata, vr *captcha.Result, breakdown *scoring.Breakdown, blockReason, detection string, submissionID *int64, bypass bool) *database.ValidationEvent {
	ev := &database.ValidationEvent{
		TokenHash:     vr.TokenHash,
		Success:       vr.Valid,
		Allowed:       false,
		BlockReason:   blockReason,
		ChallengeTS:   database.ToSQLTime(vr.ChallengeTS),
		Hostname:      vr.Hostname,
		Action:        vr.Action,
		EphemeralID:   vr.EphemeralID,
		DetectionType: detection,
		SubmissionID:  submissionID,
		Metadata:      mustJSON(md),
		Erfid:         id,
		TestingBypass: bypass,
		RemoteIP:      md.RemoteIP,
		JA4:           md.JA4,
	}
	if breakdown != nil {
		ev.RiskScore = breakdown.Total
		ev.RiskBreakdown = mustJSON(breakdown)
	}
	if md.JA4Signals != nil {
		ev.IPsQuantile1h = md.JA4Signals.IPsQuantile1h
		ev.ReqsQuantile1h = md.JA4Signals.ReqsQuantile1h
	}
	return ev
}

// persistValidationEvent writes a decision record on the rejection paths.
// The response already carries the definitive outcome, so a write failure is
// logged rather than surfaced; cancellation switches to a detached context
// so the row still lands after a client disconnect.
func (p *Pipeline) persistValidationEvent(ctx context.Context, ev *database.ValidationEvent) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
	}
	if _, err := p.store.InsertValidationEvent(ctx, ev); err != nil {
		p.logger.Printf("❌ Validation event not persisted (erfid=%s): %v", ev.Erfid, err)
	}
}

// persistFraudBlock records a pre-validation rejection. The block already
// stands; losing the audit row must not lift it.
func (p *Pipeline) persistFraudBlock(ctx context.Context, fb *database.FraudBlock) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
	}
	if _, err := p.store.InsertFraudBlock(ctx, fb); err != nil {
		p.logger.Printf("❌ Fraud block row not persisted (erfid=%s): %v", fb.Erfid, err)
	}
}

// matchedIdentifier names the blocklist dimension that caught this request,
// for the hit counter.
func matchedIdentifier(entry *blocklist.Entry, email string, md *metadata.RequestMetadata) string {
	switch {
	case entry.Email != "" && entry.Email == email:
		return "email"
	case entry.RemoteIP != "" && entry.RemoteIP == md.RemoteIP:
		return "remote_ip"
	case entry.JA4 != "" && entry.JA4 == md.JA4:
		return "ja4"
	case entry.EphemeralID != "":
		return "ephemeral_id"
	default:
		return "unknown"
	}
}

// detectionMetadata snapshots the evidence that drove a block.
func detectionMetadata(bundle *signals.Bundle) json.RawMessage {
	meta := map[string]interface{}{
		"warnings": bundleWarnings(bundle),
	}
	if bundle.JA4.DetectionType != "" {
		meta["ja4Layers"] = bundle.JA4.Layers
	}
	if bundle.Fingerprint.PrimaryTrigger != "" {
		meta["fingerprint"] = bundle.Fingerprint
	}
	return mustJSON(meta)
}

func bundleWarnings(bundle *signals.Bundle) []string {
	var all []string
	all = append(all, bundle.Email.Warnings...)
	all = append(all, bundle.Ephemeral.Warnings...)
	all = append(all, bundle.JA4.Warnings...)
	all = append(all, bundle.Fingerprint.Warnings...)
	return all
}

func captchaOutcome(vr *captcha.Result, bypass bool) string {
	switch {
	case bypass:
		return "mock"
	case vr.Valid:
		return "valid"
	case vr.Reason == captcha.ReasonAPIRequestFailed:
		return "unavailable"
	default:
		return "invalid"
	}
}

// mustJSON marshals for persistence blobs. The row types marshal cleanly by
// construction; a failure degrades to a null column rather than losing the
// row.
func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/types"
)

// Tier selects a per-attempt timeout budget
type Tier string

const (
	TierFast     Tier = "fast"
	TierNormal   Tier = "normal"
	TierExtended Tier = "extended"
)

// Persister records finished previews without blocking the caller
type Persister interface {
	Persist(record types.PreviewRecord)
}

// OrchestratorConfig holds the retry and timeout policy
type OrchestratorConfig struct {
	Tiers map[Tier]time.Duration
	// RetryDelays is indexed by failed attempt; later attempts reuse the last entry
	RetryDelays []time.Duration
	// EscalationThreshold is the encoded payload size above which the
	// extended tier is used regardless of the requested one
	EscalationThreshold int
	Poll                PollOptions
	// RetryJobFailures lets jobs reported as failed consume retries
	RetryJobFailures bool
	// Rules are checked before DefaultRules
	Rules []Rule
}

// DefaultOrchestratorConfig returns the standard policy
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Tiers: map[Tier]time.Duration{
			TierFast:     15 * time.Second,
			TierNormal:   30 * time.Second,
			TierExtended: 60 * time.Second,
		},
		RetryDelays:         []time.Duration{2 * time.Second, 5 * time.Second},
		EscalationThreshold: 4 << 20,
		Poll:                DefaultPollOptions(),
	}
}

// GenerateOptions are per-call settings
type GenerateOptions struct {
	Tier       Tier
	MaxRetries int
}

// DefaultGenerateOptions returns the normal tier with two retries
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{Tier: TierNormal, MaxRetries: 2}
}

// Orchestrator runs generation attempts under tiered timeouts with bounded retries
type Orchestrator struct {
	service    Service
	poller     *Poller
	classifier Classifier
	config     OrchestratorConfig
	persister  Persister
	logger     *zap.Logger
	onStage    types.StageFunc
}

// NewOrchestrator creates an orchestrator over service
func NewOrchestrator(service Service, config OrchestratorConfig) *Orchestrator {
	def := DefaultOrchestratorConfig()
	tiers := make(map[Tier]time.Duration, len(def.Tiers))
	for tier, d := range def.Tiers {
		if config.Tiers[tier] > 0 {
			d = config.Tiers[tier]
		}
		tiers[tier] = d
	}
	config.Tiers = tiers
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = def.RetryDelays
	}
	if config.EscalationThreshold <= 0 {
		config.EscalationThreshold = def.EscalationThreshold
	}
	if config.Poll == (PollOptions{}) {
		config.Poll = def.Poll
	}

	classifier := NewClassifier(config.Rules...)
	poller := NewPoller(service)
	poller.SetClassifier(classifier)

	return &Orchestrator{
		service:    service,
		poller:     poller,
		classifier: classifier,
		config:     config,
		logger:     zap.NewNop(),
	}
}

// SetLogger sets the orchestrator and poller logger
func (o *Orchestrator) SetLogger(logger *zap.Logger) {
	if logger != nil {
		o.logger = logger
		o.poller.SetLogger(logger)
	}
}

// SetPersister sets where authenticated previews are recorded
func (o *Orchestrator) SetPersister(p Persister) {
	o.persister = p
}

// OnStage registers a stage callback
func (o *Orchestrator) OnStage(f types.StageFunc) {
	o.onStage = f
	o.poller.OnStage(f)
}

// Budget returns the timeout of a tier
func (o *Orchestrator) Budget(t Tier) time.Duration {
	if d, ok := o.config.Tiers[t]; ok {
		return d
	}
	return o.config.Tiers[TierNormal]
}

// TierFor returns the tier used for req, escalating large payloads
func (o *Orchestrator) TierFor(req types.GenerationRequest, requested Tier) Tier {
	if req.PayloadSize() > o.config.EscalationThreshold {
		return TierExtended
	}
	if requested == "" {
		return TierNormal
	}
	return requested
}

func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	return o.config.RetryDelays[min(attempt, len(o.config.RetryDelays)-1)]
}

// GeneratePreview produces a raw preview URL for req. It makes at most
// opts.MaxRetries+1 attempts; terminal failures stop immediately. Every
// failure is returned as a *DegradedError carrying a user-facing message,
// except cancellation of ctx, which is returned as a KindCanceled *Error.
func (o *Orchestrator) GeneratePreview(ctx context.Context, req types.GenerationRequest, opts GenerateOptions) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	maxAttempts := max(opts.MaxRetries, 0) + 1
	tier := o.TierFor(req, opts.Tier)
	log := o.logger.With(zap.String("request_id", req.RequestID), zap.String("style", req.Style))

	var (
		lastErr error
		lastCl  Classification
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", o.canceled(err)
		}

		url, err := o.attempt(ctx, req, tier, attempt)
		if err == nil {
			log.Info("preview generated", zap.Int("attempts", attempt+1), zap.String("tier", string(tier)))
			o.persist(req, url)
			return url, nil
		}

		if ctx.Err() != nil {
			return "", o.canceled(ctx.Err())
		}

		lastErr = err
		lastCl = o.classifier.Classify(err)
		retryable := lastCl.Retryable() || (lastCl.Kind == KindJobFailed && o.config.RetryJobFailures)

		log.Warn("generation attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.String("tier", string(tier)),
			zap.String("kind", string(lastCl.Kind)),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable {
			return "", o.degraded(lastCl, attempt+1, err)
		}
		if attempt == maxAttempts-1 {
			break
		}

		if lastCl.Kind == KindTimeout {
			tier = TierExtended
		}
		if err := sleep(ctx, o.retryDelay(attempt)); err != nil {
			return "", o.canceled(err)
		}
	}

	degraded := o.degraded(lastCl, maxAttempts, lastErr)
	log.Error("preview generation exhausted retries", zap.String("detail", degraded.Detail()))
	return "", degraded
}

// attempt runs submit and, for asynchronous jobs, polling under one tier budget
func (o *Orchestrator) attempt(ctx context.Context, req types.GenerationRequest, tier Tier, n int) (string, error) {
	budget := o.Budget(tier)
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	o.onStage.Emit(types.StageEvent{Stage: types.StageGenerating, RequestID: req.RequestID, Attempt: n + 1})

	outcome, err := o.service.Submit(actx, req)
	if err == nil && outcome.Kind == types.OutcomeProcessing {
		var url string
		url, err = o.poller.PollUntilReady(actx, outcome.JobID, o.config.Poll)
		outcome = types.Complete(url)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return "", &Error{Kind: KindTimeout, Op: "attempt", Message: "timed out after " + budget.String(), Err: err}
		}
		return "", err
	}
	if outcome.PreviewURL == "" {
		return "", newError(KindTransport, "attempt", "empty preview url", nil)
	}
	return outcome.PreviewURL, nil
}

func (o *Orchestrator) degraded(cl Classification, attempts int, err error) *DegradedError {
	return &DegradedError{
		Message:  DegradedMessage(cl),
		Kind:     cl.Kind,
		Attempts: attempts,
		Err:      err,
	}
}

func (o *Orchestrator) canceled(err error) error {
	return &Error{Kind: KindCanceled, Op: "generate", Message: "canceled", Err: err}
}

func (o *Orchestrator) persist(req types.GenerationRequest, url string) {
	if o.persister == nil || !req.Authenticated || req.PhotoID == "" {
		return
	}
	o.persister.Persist(types.PreviewRecord{
		PhotoID:    req.PhotoID,
		Style:      req.Style,
		PreviewURL: url,
		CreatedAt:  time.Now().UTC(),
	})
}

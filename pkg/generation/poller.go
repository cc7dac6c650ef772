package generation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/types"
)

// PollOptions controls the polling loop. The delay ramps linearly:
// min(MaxDelay, InitialDelay + attempt*BackoffStep). Zero fields take the
// defaults; a negative InitialDelay or BackoffStep disables that component.
type PollOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	BackoffStep  time.Duration
	MaxDelay     time.Duration
}

// DefaultPollOptions returns the standard polling schedule
func DefaultPollOptions() PollOptions {
	return PollOptions{
		MaxAttempts:  30,
		InitialDelay: 500 * time.Millisecond,
		BackoffStep:  250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
	}
}

func (o PollOptions) withDefaults() PollOptions {
	def := DefaultPollOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	switch {
	case o.InitialDelay == 0:
		o.InitialDelay = def.InitialDelay
	case o.InitialDelay < 0:
		o.InitialDelay = 0
	}
	switch {
	case o.BackoffStep == 0:
		o.BackoffStep = def.BackoffStep
	case o.BackoffStep < 0:
		o.BackoffStep = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	return o
}

// Delay returns the wait after the given zero-based attempt
func (o PollOptions) Delay(attempt int) time.Duration {
	d := o.InitialDelay + time.Duration(attempt)*o.BackoffStep
	return min(d, o.MaxDelay)
}

// Poller waits for asynchronous jobs to finish
type Poller struct {
	source     StatusChecker
	classifier Classifier
	logger     *zap.Logger
	onStage    types.StageFunc
}

// NewPoller creates a poller reading job state from source
func NewPoller(source StatusChecker) *Poller {
	return &Poller{
		source:     source,
		classifier: NewClassifier(),
		logger:     zap.NewNop(),
	}
}

// SetLogger sets the poller logger
func (p *Poller) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetClassifier replaces the rule table used for status query errors
func (p *Poller) SetClassifier(c Classifier) {
	p.classifier = c
}

// OnStage registers a stage callback
func (p *Poller) OnStage(f types.StageFunc) {
	p.onStage = f
}

// PollUntilReady queries jobID at most opts.MaxAttempts times and returns
// the preview URL once the job succeeds. A failed job is a terminal
// KindJobFailed error; running out of attempts is a KindTimeout error.
// Retryable query errors count as an attempt; other query errors abort.
func (p *Poller) PollUntilReady(ctx context.Context, jobID string, opts PollOptions) (string, error) {
	const op = "poll"
	opts = opts.withDefaults()
	p.onStage.Emit(types.StageEvent{Stage: types.StagePolling, RequestID: jobID})

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		state, err := p.source.Status(ctx, jobID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if cl := p.classifier.Classify(err); !cl.Retryable() {
				return "", err
			}
			p.logger.Debug("status query failed, polling on",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		case state.Status == types.PollSucceeded && state.PreviewURL != "":
			p.logger.Debug("job finished",
				zap.String("job_id", jobID),
				zap.Int("attempts", attempt+1))
			return state.PreviewURL, nil
		case state.Status == types.PollFailed:
			msg := state.ErrorMessage
			if msg == "" {
				msg = "generation job failed"
			}
			return "", newError(KindJobFailed, op, msg, nil)
		}

		if attempt == opts.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, opts.Delay(attempt)); err != nil {
			return "", err
		}
	}

	return "", newError(KindTimeout, op, fmt.Sprintf("job %s not ready after %d attempts", jobID, opts.MaxAttempts), nil)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/preview-kit/pkg/types"
)

// Async persists records in the background. Failures are logged and never
// reach the caller.
type Async struct {
	saver   Saver
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps saver; each save gets its own timeout
func NewAsync(saver Saver, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{saver: saver, timeout: timeout, logger: zap.NewNop()}
}

// SetLogger sets the logger used for failed saves
func (a *Async) SetLogger(logger *zap.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Persist starts saving rec and returns immediately
func (a *Async) Persist(rec types.PreviewRecord) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("preview persistence panicked", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.saver.SavePreview(ctx, rec); err != nil {
			a.logger.Warn("failed to persist preview",
				zap.String("photo_id", rec.PhotoID),
				zap.String("style", rec.Style),
				zap.Error(err))
			return
		}
		a.logger.Debug("preview persisted", zap.String("photo_id", rec.PhotoID), zap.String("style", rec.Style))
	}()
}

// Wait blocks until all started saves have finished
func (a *Async) Wait() {
	a.wg.Wait()
}

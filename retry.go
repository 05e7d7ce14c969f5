package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// A RetryTrigger decides when, and how often, a Use call may retry after a
// concurrent-modification failure. Triggers are stateful and single-use:
// create a fresh one for every Use call.
type RetryTrigger interface{ next(context.Context) error }

// RetryTriggerFunc allows a function to be used as a RetryTrigger.
type RetryTriggerFunc func(context.Context) error

func (fn RetryTriggerFunc) next(ctx context.Context) error { return fn(ctx) }

// RetryEvery returns a RetryTrigger that retries every interval up to
// maxTries.
func RetryEvery(interval time.Duration, maxTries int) RetryTrigger {
	tries := 1
	return RetryTriggerFunc(func(ctx context.Context) error {
		if tries >= maxTries {
			return fmt.Errorf("tried %d times", tries)
		}

		timer := time.NewTimer(interval)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			tries++
			return nil
		}
	})
}

// RetryApprox returns a RetryTrigger that retries approximately every
// interval up to maxTries. The provided deviation randomizes the interval: an
// interval of 1s with a deviation of 100ms retries after somewhere between
// 900ms and 1100ms, which keeps two contending writers from lock-stepping.
func RetryApprox(interval, deviation time.Duration, maxTries int) RetryTrigger {
	tries := 1
	return RetryTriggerFunc(func(ctx context.Context) error {
		if tries >= maxTries {
			return fmt.Errorf("tried %d times", tries)
		}

		offset := time.Duration(rand.Int63n(int64(2*deviation))) - deviation
		timer := time.NewTimer(interval + offset)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			tries++
			return nil
		}
	})
}

type UseOption func(o *useOption)

type useOption struct {
	trigger RetryTrigger
}

// WithRetryTrigger makes Use retry a conflicting update according to the
// given trigger. Without it, Use fails on the first conflict, matching the
// repository's own no-auto-retry stance.
func WithRetryTrigger(trigger RetryTrigger) UseOption {
	return func(o *useOption) {
		o.trigger = trigger
	}
}

// Use fetches the entity with the given id, applies fn to it, and updates it.
// On ErrConcurrentModification the whole cycle re-runs (fresh fetch, fn
// applied to the new state) as often as the configured RetryTrigger allows.
// fn must therefore be safe to call multiple times and must express the edit
// as a function of the entity it is handed, not of state captured outside.
//
// Retrying is opt-in because merging conflicting edits needs domain
// knowledge; enabling a trigger is the caller's statement that re-applying fn
// to the latest state is the right merge.
func Use[T any, PT EntityPtr[T]](ctx context.Context, repo *Repository[T, PT], id string, fn func(PT) error, options ...UseOption) (PT, error) {
	opt := &useOption{}
	for _, op := range options {
		op(opt)
	}

	for {
		entity, err := repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := fn(entity); err != nil {
			return nil, err
		}

		err = repo.Update(ctx, entity)
		if err == nil {
			return entity, nil
		}

		if !errors.Is(err, ErrConcurrentModification) || opt.trigger == nil {
			return nil, err
		}

		if terr := opt.trigger.next(ctx); terr != nil {
			return nil, fmt.Errorf("%w (retry stopped: %v)", err, terr)
		}
	}
}

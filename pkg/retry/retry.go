// Package retry provides the bounded polling policy shared by task-wait,
// stop-wait and interface-detach waits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrExhausted is returned when a policy runs out of attempts or time
var ErrExhausted = errors.New("retry attempts exhausted")

// ConditionFunc is evaluated once per attempt. attempt starts at 1.
type ConditionFunc func(ctx context.Context, attempt int) (done bool, err error)

// Policy bounds a polling loop by attempt count and optionally by total time
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Deadline    time.Duration
}

// Poll runs condition immediately and then once per interval until it reports done,
// returns an error, or the policy is exhausted.
func (p Policy) Poll(ctx context.Context, condition ConditionFunc) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}

	attempt := 0
	check := func(ctx context.Context) (bool, error) {
		attempt++
		done, err := condition(ctx, attempt)
		if err != nil || done {
			return done, err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return false, ErrExhausted
		}
		return false, nil
	}

	var err error
	switch timeout := p.timeout(interval); {
	case timeout > 0:
		err = wait.PollUntilContextTimeout(ctx, interval, timeout, true, check)
	default:
		err = wait.PollUntilContextCancel(ctx, interval, true, check)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExhausted):
		return fmt.Errorf("%w after %d attempts", ErrExhausted, attempt)
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		return fmt.Errorf("%w: deadline reached after %d attempts", ErrExhausted, attempt)
	}
	return err
}

func (p Policy) timeout(interval time.Duration) time.Duration {
	if p.Deadline > 0 {
		return p.Deadline
	}
	if p.MaxAttempts > 0 {
		// one spare interval so the attempt ceiling, not the clock, ends the loop
		return interval * time.Duration(p.MaxAttempts+1)
	}
	return 0
}

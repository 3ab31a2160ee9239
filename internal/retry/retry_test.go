package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("model service returned 503")

// failing returns a function that fails n times before succeeding.
func failing(n int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return errTransient
		}
		return nil
	}
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantCalls int
		wantErr   error
	}{
		{"first attempt succeeds", 3, 0, 1, nil},
		{"succeeds on last attempt", 3, 2, 3, nil},
		{"attempts exhausted", 3, 5, 3, errTransient},
		{"zero attempts runs once", 0, 0, 1, nil},
		{"zero attempts fails once", 0, 1, 1, errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			p := Policy{MaxAttempts: tt.attempts, BaseDelay: time.Millisecond}
			err := p.Do(context.Background(), failing(tt.failures, &calls))

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_PermanentStopsAndUnwraps(t *testing.T) {
	badRequest := errors.New("status 400")
	var calls int
	err := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(badRequest)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, badRequest, err, "the Permanent wrapper is removed")
}

func TestPermanent_Unwrap(t *testing.T) {
	err := Permanent(errTransient)
	assert.ErrorIs(t, err, errTransient)

	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errTransient.Error(), pe.Error())
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int

	err := Policy{MaxAttempts: 10, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_BackoffGrowsAndIsCapped(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond}

	var stamps []time.Time
	err := p.Do(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errTransient
	})
	require.Error(t, err)
	require.Len(t, stamps, 5)

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 5*time.Millisecond, "gap %d", i)
	}
	// Uncapped the last gap would be ~80ms.
	assert.Less(t, stamps[4].Sub(stamps[3]), 60*time.Millisecond)
}

func TestPolicy_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	err := DefaultPolicy.Do(ctx, func(ctx context.Context) error {
		if ctx.Value(key{}) != "v" {
			return Permanent(errors.New("context not propagated"))
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestDo_Shorthand(t *testing.T) {
	var calls int
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

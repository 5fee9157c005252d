package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBoom     = errors.New("boom")
	errNotFound = errors.New("not found")
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(settings Settings) (*Breaker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := New("test", settings)
	b.now = c.Now
	b.expiry = c.Now().Add(b.settings.Interval)
	return b, c
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		calls    []func() error
		want     State
	}{
		{
			name:  "stays closed on successes",
			calls: []func() error{succeed, succeed, succeed},
			want:  StateClosed,
		},
		{
			name:     "opens after consecutive failures",
			settings: Settings{ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 }},
			calls:    []func() error{fail, fail, fail},
			want:     StateOpen,
		},
		{
			name:     "a success resets the consecutive count",
			settings: Settings{ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 }},
			calls:    []func() error{fail, fail, succeed, fail, fail},
			want:     StateClosed,
		},
		{
			name: "ignored errors do not trip",
			settings: Settings{
				ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
				IsFailure:  func(err error) bool { return err != nil && !errors.Is(err, errNotFound) },
			},
			calls: []func() error{
				func() error { return errNotFound },
				func() error { return errNotFound },
			},
			want: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(tt.settings)
			for _, call := range tt.calls {
				_ = b.Do(call)
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerDoReturnsCallError(t *testing.T) {
	b, _ := newTestBreaker(Settings{})

	assert.ErrorIs(t, b.Do(fail), errBoom)
	assert.NoError(t, b.Do(succeed))

	counts := b.Counts()
	assert.Equal(t, uint32(2), counts.Calls)
	assert.Equal(t, uint32(1), counts.Failures)
	assert.Equal(t, uint32(1), counts.Successes)
}

func TestBreakerOpenRejectsWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(Settings{ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})
	require.ErrorIs(t, b.Do(fail), errBoom)
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "test")
	assert.False(t, called)
}

func TestBreakerHalfOpen(t *testing.T) {
	settings := Settings{
		MaxProbes:  2,
		Cooldown:   time.Second,
		ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	}

	t.Run("probes close the breaker", func(t *testing.T) {
		b, c := newTestBreaker(settings)
		_ = b.Do(fail)
		c.Advance(2 * time.Second)
		require.Equal(t, StateHalfOpen, b.State())

		require.NoError(t, b.Do(succeed))
		assert.Equal(t, StateHalfOpen, b.State())
		require.NoError(t, b.Do(succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("a failed probe reopens", func(t *testing.T) {
		b, c := newTestBreaker(settings)
		_ = b.Do(fail)
		c.Advance(2 * time.Second)

		assert.ErrorIs(t, b.Do(fail), errBoom)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("probes are limited", func(t *testing.T) {
		b, c := newTestBreaker(settings)
		_ = b.Do(fail)
		c.Advance(2 * time.Second)

		release := make(chan struct{})
		var wg sync.WaitGroup
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Do(func() error {
					<-release
					return nil
				})
			}()
		}
		require.Eventually(t, func() bool { return b.Counts().Calls == 2 }, time.Second, time.Millisecond)

		assert.ErrorIs(t, b.Do(succeed), ErrTooManyRequests)
		close(release)
		wg.Wait()
	})
}

func TestBreakerCountsResetEachInterval(t *testing.T) {
	b, c := newTestBreaker(Settings{Interval: time.Minute})
	_ = b.Do(fail)
	require.Equal(t, uint32(1), b.Counts().Failures)

	c.Advance(2 * time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b, c := newTestBreaker(Settings{
		Cooldown:   time.Second,
		ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = b.Do(fail)
	c.Advance(2 * time.Second)
	_ = b.Do(succeed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half-open",
		"test:half-open->closed",
	}, transitions)
}

func TestBreakerRecordsPanics(t *testing.T) {
	b, _ := newTestBreaker(Settings{ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("bad") })
	})
	assert.Equal(t, StateOpen, b.State())
}

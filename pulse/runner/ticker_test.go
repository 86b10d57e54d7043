package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/pulse/rule"
)

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"0 6 * * *", "*/15 * * * 1-5", "@daily", "@every 1h"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	_, err := ParseCron("0 6 * *")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestNewTicker_RejectsBadCron(t *testing.T) {
	_, err := NewTicker(nil, TickerConfig{Cron: "every morning"}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestTicker_NextFire(t *testing.T) {
	cronTicker, err := NewTicker(nil, TickerConfig{Cron: "0 6 * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC), cronTicker.NextFire(runNow))

	intervalTicker, err := NewTicker(nil, TickerConfig{Interval: 30 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, runNow.Add(30*time.Second), intervalTicker.NextFire(runNow))

	defaulted, err := NewTicker(nil, TickerConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, runNow.Add(time.Minute), defaulted.NextFire(runNow))
}

func TestTicker_RunsDueRules(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, monthlyRule("RR_a", "2025-03-01"))
	poster := newFakePoster()
	log := zaptest.NewLogger(t).Sugar()

	ticker, err := NewTicker(New(store, poster, DefaultConfig(), log), TickerConfig{
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return runNow },
	}, log)
	require.NoError(t, err)

	ticker.Start()
	assert.Eventually(t, func() bool {
		_, ticks, _ := ticker.Stats()
		return ticks >= 3
	}, 2*time.Second, 5*time.Millisecond)
	ticker.Stop()

	// Later ticks find nothing due
	assert.Equal(t, 1, poster.callCount())
	got, err := store.Get(context.Background(), "RR_a")
	require.NoError(t, err)
	assert.Equal(t, d("2025-04-01"), got.NextRunAt)

	last, _, counts := ticker.Stats()
	assert.Equal(t, runNow, last)
	assert.Zero(t, counts[rule.OutcomeSuccess])
}

func TestTicker_StopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticker, err := NewTickerWithContext(ctx, New(newTestStore(t), nil, DefaultConfig(), nil), TickerConfig{Interval: time.Hour}, nil)
	require.NoError(t, err)

	ticker.Start()
	cancel()

	select {
	case <-ticker.Done():
	case <-time.After(time.Second):
		t.Fatal("ticker did not observe parent cancellation")
	}
	ticker.Stop()
}

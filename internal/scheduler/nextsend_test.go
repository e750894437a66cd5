package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextSendTime_TueThu(t *testing.T) {
	// Последняя отправка в среду, интервал 3 дня, разрешены вт и чт.
	lastSent := ts("2026-10-07T10:00:00Z")
	allowed := []time.Weekday{time.Tuesday, time.Thursday}

	t.Run("tuesday slot already passed", func(t *testing.T) {
		now := ts("2026-10-13T15:00:00Z")
		got := NextSendTime(&lastSent, 3, allowed, 9, now, time.UTC)
		assert.Equal(t, ts("2026-10-15T09:00:00Z"), got)
		assert.Equal(t, time.Thursday, got.Weekday())
	})

	t.Run("right after the send", func(t *testing.T) {
		now := ts("2026-10-07T12:00:00Z")
		got := NextSendTime(&lastSent, 3, allowed, 9, now, time.UTC)
		assert.Equal(t, ts("2026-10-13T09:00:00Z"), got)
	})
}

func TestNextSendTime_TodaySlot(t *testing.T) {
	now := ts("2026-10-19T07:30:00Z") // понедельник
	got := NextSendTime(nil, 2, nil, 9, now, time.UTC)
	assert.Equal(t, ts("2026-10-19T09:00:00Z"), got)

	now = ts("2026-10-19T09:00:00Z")
	got = NextSendTime(nil, 2, nil, 9, now, time.UTC)
	assert.Equal(t, ts("2026-10-20T09:00:00Z"), got, "slot equal to now counts as passed")
}

func TestNextSendTime_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := ts("2026-10-19T12:00:00Z") // 08:00 в Нью-Йорке
	got := NextSendTime(nil, 0, []time.Weekday{time.Monday}, 9, now, loc)
	assert.Equal(t, ts("2026-10-19T13:00:00Z"), got)
	assert.Equal(t, 9, got.In(loc).Hour())
}

// Результат детерминирован, лежит в разрешённом дне, позже now
// и не раньше дня lastSent + interval.
func TestNextSendTime_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := ts("2026-01-01T00:00:00Z")

	for i := 0; i < 2000; i++ {
		now := base.Add(time.Duration(rng.Int63n(int64(365 * 24 * time.Hour))))
		var lastSent *time.Time
		if rng.Intn(4) > 0 {
			ls := now.Add(-time.Duration(rng.Int63n(int64(10 * 24 * time.Hour))))
			lastSent = &ls
		}
		interval := rng.Intn(8)
		hour := rng.Intn(24)

		var allowed []time.Weekday
		for d := time.Sunday; d <= time.Saturday; d++ {
			if rng.Intn(2) == 0 {
				allowed = append(allowed, d)
			}
		}

		got := NextSendTime(lastSent, interval, allowed, hour, now, time.UTC)
		again := NextSendTime(lastSent, interval, allowed, hour, now, time.UTC)
		require.Equal(t, got, again)

		require.True(t, got.After(now), "iteration %d: %s not after %s", i, got, now)
		require.Equal(t, hour, got.Hour())
		if len(allowed) > 0 {
			assert.Contains(t, allowed, got.Weekday(), "iteration %d", i)
		}
		if lastSent != nil {
			earliest := lastSent.AddDate(0, 0, interval)
			y, m, d := earliest.Date()
			assert.False(t, got.Before(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), "iteration %d", i)
		}
	}
}

func TestValidateCronExpr(t *testing.T) {
	assert.NoError(t, ValidateCronExpr("@every 5m"))
	assert.NoError(t, ValidateCronExpr("5 0 * * *"))
	assert.Error(t, ValidateCronExpr("every five minutes"))
}

package enforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	grace := 120 * time.Second

	tests := []struct {
		name    string
		current Status
		total   int64
		limit   int64
		elapsed time.Duration
		want    Status
		effect  Effect
	}{
		{"ok stays ok under limit", StatusOk, 3599, 3600, 0, StatusOk, EffectNone},
		{"ok goes pending at limit", StatusOk, 3600, 3600, 0, StatusPending, EffectNone},
		{"ok never blacklists directly", StatusOk, 999999, 3600, time.Hour, StatusPending, EffectNone},
		{"pending holds within grace", StatusPending, 3700, 3600, 119 * time.Second, StatusPending, EffectNone},
		{"pending blacklists after grace", StatusPending, 3700, 3600, 121 * time.Second, StatusBlacklisted, EffectBlock},
		{"pending blacklists at exact grace", StatusPending, 3700, 3600, grace, StatusBlacklisted, EffectBlock},
		{"pending recovers under limit", StatusPending, 3599, 3600, time.Hour, StatusOk, EffectNone},
		{"blacklisted stays over limit", StatusBlacklisted, 3700, 3600, time.Hour, StatusBlacklisted, EffectNone},
		{"blacklisted recovers immediately", StatusBlacklisted, 0, 3600, 0, StatusOk, EffectUnblock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effect := Transition(tt.current, tt.total, tt.limit, tt.elapsed, grace)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.effect, effect)
		})
	}
}

func TestGaugeValue(t *testing.T) {
	assert.Equal(t, float64(0), StatusOk.GaugeValue())
	assert.Equal(t, float64(1), StatusPending.GaugeValue())
	assert.Equal(t, float64(2), StatusBlacklisted.GaugeValue())
}

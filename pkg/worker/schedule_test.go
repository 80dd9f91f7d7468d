package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)

	tests := []struct {
		name     string
		interval time.Duration
		expr     string
		want     time.Time
		wantErr  bool
	}{
		{name: "interval", interval: 250 * time.Millisecond, want: base.Add(250 * time.Millisecond)},
		{name: "cron", expr: "*/15 * * * *", want: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)},
		{name: "descriptor", expr: "@hourly", want: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)},
		{name: "expression wins over interval", interval: time.Second, expr: "@every 1m", want: base.Add(time.Minute)},
		{name: "zero interval", wantErr: true},
		{name: "negative interval", interval: -time.Second, wantErr: true},
		{name: "garbage", expr: "every tuesday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := ParseSchedule(tt.interval, tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, schedule.Next(base))
		})
	}
}

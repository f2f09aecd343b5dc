package voicelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0 ч 0 м 0 с"},
		{time.Second, "0 ч 0 м 1 с"},
		{90 * time.Second, "0 ч 1 м 30 с"},
		{110 * time.Second, "0 ч 1 м 50 с"},
		{time.Hour, "1 ч 0 м 0 с"},
		{3*time.Hour + 25*time.Minute + 45*time.Second, "3 ч 25 м 45 с"},
		{25 * time.Hour, "25 ч 0 м 0 с"},
		// sub-second precision is truncated, not rounded
		{999 * time.Millisecond, "0 ч 0 м 0 с"},
		{59*time.Second + 900*time.Millisecond, "0 ч 0 м 59 с"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, FormatDuration(tc.duration))
		})
	}
}

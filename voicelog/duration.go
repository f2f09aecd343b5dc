package voicelog

import (
	"fmt"
	"time"
)

// FormatDuration renders an elapsed span as "{hours} ч {minutes} м
// {seconds} с", truncating to whole seconds. Durations are measured
// between a tracked join and the matching leave/switch, so negative
// spans aren't guarded against.
func FormatDuration(d time.Duration) string {
	totalSeconds := int64(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%d ч %d м %d с", hours, minutes, seconds)
}

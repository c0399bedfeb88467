package activity

import (
	"time"

	"github.com/verihive/backend/internal/core"
)

// Pure helpers over activity slices. The pattern detectors consume
// these; they never touch the index directly.

// TasksPerHour scales the event count in a trailing window to an hourly
// rate. window <= 0 is treated as one hour.
func TasksPerHour(activities []core.WorkerActivity, window time.Duration) float64 {
	if len(activities) == 0 {
		return 0
	}
	if window <= 0 {
		window = time.Hour
	}
	return float64(len(activities)) * float64(time.Hour) / float64(window)
}

// Intervals returns the gaps between consecutive activities. Input must
// be ascending by timestamp, which RecentActivity guarantees.
func Intervals(activities []core.WorkerActivity) []time.Duration {
	if len(activities) < 2 {
		return nil
	}
	out := make([]time.Duration, 0, len(activities)-1)
	for i := 1; i < len(activities); i++ {
		out = append(out, activities[i].Timestamp.Sub(activities[i-1].Timestamp))
	}
	return out
}

// UniqueIntervalRatio measures how varied the submission cadence is.
// Intervals are bucketed to the nearest second first; scripted workers
// land in the same bucket over and over.
func UniqueIntervalRatio(intervals []time.Duration) float64 {
	if len(intervals) == 0 {
		return 0
	}
	buckets := make(map[time.Duration]struct{}, len(intervals))
	for _, iv := range intervals {
		buckets[iv.Round(time.Second)] = struct{}{}
	}
	return float64(len(buckets)) / float64(len(intervals))
}

// DecisionRatio returns the dominant decision share,
// max(approved, rejected) over the total.
func DecisionRatio(activities []core.WorkerActivity) float64 {
	if len(activities) == 0 {
		return 0
	}
	approved := 0
	for _, a := range activities {
		if a.Decision == core.DecisionApproved {
			approved++
		}
	}
	rejected := len(activities) - approved
	dominant := approved
	if rejected > dominant {
		dominant = rejected
	}
	return float64(dominant) / float64(len(activities))
}

// DominantTypeRatio returns the share of the most frequent task type.
func DominantTypeRatio(activities []core.WorkerActivity) float64 {
	if len(activities) == 0 {
		return 0
	}
	counts := make(map[core.TaskType]int)
	max := 0
	for _, a := range activities {
		counts[a.TaskType]++
		if counts[a.TaskType] > max {
			max = counts[a.TaskType]
		}
	}
	return float64(max) / float64(len(activities))
}

// AverageProcessingMs returns the mean processing time across
// activities, 0 when empty.
func AverageProcessingMs(activities []core.WorkerActivity) float64 {
	if len(activities) == 0 {
		return 0
	}
	var total int64
	for _, a := range activities {
		total += a.ProcessingTimeMs
	}
	return float64(total) / float64(len(activities))
}

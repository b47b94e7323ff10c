// Package slots maps event timestamps to integer slot indices, the
// aggregation grain of the pipeline.
package slots

// Of returns the slot index for an event time. Event times are seconds:
// unix seconds in real-time operation, or relative seconds during offline
// replay (which yields compact slot ids). Negative times clamp to slot 0.
func Of(eventTime float64, slotSeconds int) int64 {
	if eventTime < 0 {
		eventTime = 0
	}
	return int64(eventTime) / int64(slotSeconds)
}

// StartTime returns the inclusive start of a slot, in seconds.
func StartTime(slot int64, slotSeconds int) float64 {
	return float64(slot * int64(slotSeconds))
}

// EndTime returns the exclusive end of a slot, in seconds.
func EndTime(slot int64, slotSeconds int) float64 {
	return float64((slot + 1) * int64(slotSeconds))
}

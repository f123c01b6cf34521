package checkable

// flappingHistorySize is the number of state change flags flapping detection looks at.
const flappingHistorySize = 20

const (
	// DefaultFlappingThresholdLow is the percentage at or below which a flapping checkable calms down.
	DefaultFlappingThresholdLow = 25.0
	// DefaultFlappingThresholdHigh is the percentage at or above which a checkable starts flapping.
	DefaultFlappingThresholdHigh = 30.0
)

// flappingHistory is a ring of the last flappingHistorySize state change flags, stored as a bitset.
// Bit index marks the slot to be overwritten next, i.e. the oldest entry.
type flappingHistory struct {
	bits  uint32
	index uint8
}

// push records one processed check result, evicting the oldest entry.
func (h *flappingHistory) push(changed bool) {
	if changed {
		h.bits |= 1 << h.index
	} else {
		h.bits &^= 1 << h.index
	}

	h.index = (h.index + 1) % flappingHistorySize
}

// percentage returns the recency-weighted share of state changes in the history.
//
// The oldest entry weighs 0.8 and every newer one 0.02 more, up to 1.18 for the latest one.
func (h *flappingHistory) percentage() float64 {
	var changes float64

	for i := 0; i < flappingHistorySize; i++ {
		if h.bits&(1<<((int(h.index)+i)%flappingHistorySize)) != 0 {
			changes += 0.8 + 0.02*float64(i)
		}
	}

	return 100 * changes / flappingHistorySize
}

// entries returns the flags from oldest to latest.
func (h *flappingHistory) entries() []bool {
	entries := make([]bool, flappingHistorySize)
	for i := range entries {
		entries[i] = h.bits&(1<<((int(h.index)+i)%flappingHistorySize)) != 0
	}

	return entries
}

// updateFlappingStatus records whether the latest check result changed the state and toggles
// the flapping flag on threshold crossing. It returns the flapping alert to request, if any.
//
// Must be called with c.mu held.
func (c *Checkable) updateFlappingStatus(changed bool) (AlertType, bool) {
	c.flappingHistory.push(changed)
	c.flappingCurrent = c.flappingHistory.percentage()

	switch {
	case !c.flapping && c.flappingEnabled && c.flappingCurrent >= c.flappingThresholdHigh:
		c.flapping = true
		c.flappingLastChange = c.clock.Now()

		return AlertFlappingStart, true
	case c.flapping && c.flappingCurrent <= c.flappingThresholdLow:
		c.flapping = false
		c.flappingLastChange = c.clock.Now()

		return AlertFlappingEnd, true
	default:
		return "", false
	}
}

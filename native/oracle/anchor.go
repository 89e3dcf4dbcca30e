package oracle

import "github.com/holiman/uint256"

// hasAnchor reports whether the asset carries a usable anchor. A stored anchor
// with a zero price behaves as absent so that the next submission bootstraps.
func hasAnchor(anchor Anchor, exists bool) bool {
	return exists && anchor.Price != nil && !anchor.Price.IsZero()
}

// isNewPeriod reports whether a submission at now may move the anchor. The
// anchor is frozen until now is strictly past PeriodStart+period.
func isNewPeriod(anchor Anchor, exists bool, now, period uint64) bool {
	if !hasAnchor(anchor, exists) {
		return true
	}
	return now > saturatingAddUint64(anchor.PeriodStart, period)
}

// advanceAnchor builds the anchor that starts a new period at now. The period
// start never moves backwards even if the clock does.
func advanceAnchor(prev Anchor, exists bool, price *uint256.Int, now uint64) Anchor {
	start := now
	if exists && prev.PeriodStart > start {
		start = prev.PeriodStart
	}
	return Anchor{Price: zeroIfNil(price), PeriodStart: start}
}

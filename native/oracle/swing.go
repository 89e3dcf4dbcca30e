package oracle

import "github.com/holiman/uint256"

// SwingResult describes how a candidate price relates to the anchor band.
type SwingResult struct {
	Effective *uint256.Int
	Status    Status
	Lower     *uint256.Int
	Upper     *uint256.Int
}

// Band returns the inclusive admissible range [A*(1-swing), A*(1+swing)].
// The lower factor clamps to zero when swing exceeds one and the upper bound
// saturates at 2^256-1.
func Band(anchor, maxSwing *uint256.Int) (lower, upper *uint256.Int) {
	if anchor == nil {
		return new(uint256.Int), new(uint256.Int)
	}
	if maxSwing == nil {
		maxSwing = new(uint256.Int)
	}
	onePlus := saturatingAdd(expScale, maxSwing)
	oneMinus := saturatingSub(expScale, maxSwing)
	lower, _ = mulScalarTruncate(anchor, oneMinus)
	upper, _ = mulScalarTruncate(anchor, onePlus)
	return lower, upper
}

// CheckSwing validates price against anchor. A nil or zero anchor means the
// asset has never been anchored and the price is accepted as a bootstrap.
// The function has no side effects and is deterministic in its inputs.
func CheckSwing(anchor, price, maxSwing *uint256.Int) SwingResult {
	if price == nil {
		price = new(uint256.Int)
	}
	if anchor == nil || anchor.IsZero() {
		return SwingResult{
			Effective: price.Clone(),
			Status:    StatusValidBootstrap,
			Lower:     price.Clone(),
			Upper:     price.Clone(),
		}
	}
	lower, upper := Band(anchor, maxSwing)
	result := SwingResult{Lower: lower, Upper: upper}
	switch {
	case price.Lt(lower):
		result.Effective = lower.Clone()
		result.Status = StatusCapped
	case price.Gt(upper):
		result.Effective = upper.Clone()
		result.Status = StatusCapped
	default:
		result.Effective = price.Clone()
		result.Status = StatusValid
	}
	return result
}

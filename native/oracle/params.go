package oracle

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// DefaultAnchorPeriod is the number of blocks an anchor stays frozen,
	// roughly one hour at 15 second blocks.
	DefaultAnchorPeriod uint64 = 240
)

// DefaultMaxSwing is 10% expressed as a mantissa.
var DefaultMaxSwing = uint256.NewInt(100_000_000_000_000_000)

// Params are the fixed tuning constants of the validator.
type Params struct {
	// AnchorPeriod is the span of logical time during which the anchor is
	// frozen.
	AnchorPeriod uint64
	// MaxSwing is the fraction, scaled by 1e18, a price may move away from
	// the anchor.
	MaxSwing *uint256.Int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{AnchorPeriod: DefaultAnchorPeriod, MaxSwing: DefaultMaxSwing.Clone()}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.MaxSwing == nil {
		return fmt.Errorf("oracle: max swing required")
	}
	return nil
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	return Params{AnchorPeriod: p.AnchorPeriod, MaxSwing: cloneInt(p.MaxSwing)}
}

package oracle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrUnauthorized is returned when the caller does not hold the role the
	// operation requires. No state is changed.
	ErrUnauthorized = errors.New("oracle: unauthorized")
	// ErrLengthMismatch is returned by SetPrices when the asset and price
	// slices differ in length. No state is changed.
	ErrLengthMismatch = errors.New("oracle: assets and prices length mismatch")
	// ErrNilPrice flags a missing price mantissa in the request.
	ErrNilPrice = errors.New("oracle: price mantissa required")

	errNilState = errors.New("oracle: state not configured")
	errNilClock = errors.New("oracle: clock not configured")
)

// Status reports the per-asset outcome of a price submission. Statuses are
// soft outcomes: they never abort a batch.
type Status uint8

const (
	// StatusNone is used for events that do not carry a price outcome.
	StatusNone Status = iota
	// StatusValid means the price was within the max swing band.
	StatusValid
	// StatusValidBootstrap means the asset had no anchor and the price was
	// accepted as the first anchor.
	StatusValidBootstrap
	// StatusCapped means the price was outside the band and was clamped to
	// the nearer boundary.
	StatusCapped
	// StatusPendingAnchorApplied means a queued admin anchor replaced the
	// submitted price.
	StatusPendingAnchorApplied
	// StatusFailed means the asset could not be processed; nothing was
	// written for it.
	StatusFailed
)

var statusNames = map[Status]string{
	StatusNone:                 "none",
	StatusValid:                "valid",
	StatusValidBootstrap:       "valid_bootstrap",
	StatusCapped:               "capped",
	StatusPendingAnchorApplied: "pending_anchor_applied",
	StatusFailed:               "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText renders the status using its stable snake_case name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for status, candidate := range statusNames {
		if candidate == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("oracle: unknown status %q", string(text))
}

// Accepted reports whether the status corresponds to a written price.
func (s Status) Accepted() bool {
	switch s {
	case StatusValid, StatusValidBootstrap, StatusCapped, StatusPendingAnchorApplied:
		return true
	default:
		return false
	}
}

// Roles names the two privileged identities. They are fixed for the lifetime
// of an Engine.
type Roles struct {
	Poster      common.Address
	AnchorAdmin common.Address
}

// Anchor is the reference price used for swing checks together with the
// logical time at which its period started.
type Anchor struct {
	Price       *uint256.Int
	PeriodStart uint64
}

// Clone returns a deep copy of the anchor.
func (a Anchor) Clone() Anchor {
	return Anchor{Price: cloneInt(a.Price), PeriodStart: a.PeriodStart}
}

// Result is the outcome of applying one (asset, price) pair.
type Result struct {
	Asset          common.Address
	Status         Status
	RequestedPrice *uint256.Int
	OldPrice       *uint256.Int
	NewPrice       *uint256.Int
	Anchor         Anchor
	// AnchorAdvanced is true when this submission moved the anchor.
	AnchorAdvanced bool
	Height         uint64
	Err            error
}

// PendingAnchorAck acknowledges a queued anchor override.
type PendingAnchorAck struct {
	Asset      common.Address
	OldPending *uint256.Int
	NewPending *uint256.Int
	Height     uint64
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

func zeroIfNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

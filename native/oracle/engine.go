package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Config wires an Engine. Roles are fixed for the Engine's lifetime.
type Config struct {
	Roles   Roles
	Params  Params
	State   State
	Clock   Clock
	Emitter Emitter
	// Now stamps events with wall time. Defaults to time.Now.
	Now func() time.Time
}

// Engine applies poster submissions and admin overrides to the oracle state.
// Every mutating call runs under one exclusive lock so that the writes of a
// submission are never observed half applied.
type Engine struct {
	mu      sync.RWMutex
	roles   Roles
	params  Params
	state   State
	clock   Clock
	emitter Emitter
	now     func() time.Time
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.State == nil {
		return nil, errNilState
	}
	if cfg.Clock == nil {
		return nil, errNilClock
	}
	if (cfg.Roles.Poster == common.Address{}) {
		return nil, fmt.Errorf("oracle: poster address required")
	}
	if (cfg.Roles.AnchorAdmin == common.Address{}) {
		return nil, fmt.Errorf("oracle: anchor admin address required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		roles:   cfg.Roles,
		params:  cfg.Params.Clone(),
		state:   cfg.State,
		clock:   cfg.Clock,
		emitter: emitter,
		now:     now,
	}, nil
}

// Roles returns the configured privileged identities.
func (e *Engine) Roles() Roles { return e.roles }

// Params returns a copy of the validator parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

func (e *Engine) requirePoster(caller common.Address) error {
	if caller != e.roles.Poster {
		return fmt.Errorf("%w: %s is not the poster", ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (e *Engine) requireAnchorAdmin(caller common.Address) error {
	if caller != e.roles.AnchorAdmin {
		return fmt.Errorf("%w: %s is not the anchor admin", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// SetPrice applies a single poster submission. Capped prices are not errors;
// the returned error is reserved for authorization, malformed input and
// persistence failures.
func (e *Engine) SetPrice(caller, asset common.Address, price *uint256.Int) (Result, error) {
	if err := e.requirePoster(caller); err != nil {
		return Result{}, err
	}
	if price == nil {
		return Result{}, ErrNilPrice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	result := e.apply(caller, asset, price, e.clock.Now())
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// SetPrices applies the pairs in input order. The call is rejected as a whole
// only for authorization or shape problems; any per-asset failure is reported
// in that element's Result and processing continues.
func (e *Engine) SetPrices(caller common.Address, assets []common.Address, prices []*uint256.Int) ([]Result, error) {
	if err := e.requirePoster(caller); err != nil {
		return nil, err
	}
	if len(assets) != len(prices) {
		return nil, fmt.Errorf("%w: %d assets, %d prices", ErrLengthMismatch, len(assets), len(prices))
	}
	for i, price := range prices {
		if price == nil {
			return nil, fmt.Errorf("%w: index %d", ErrNilPrice, i)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	results := make([]Result, len(assets))
	for i, asset := range assets {
		results[i] = e.apply(caller, asset, prices[i], now)
	}
	return results, nil
}

// apply runs the pipeline for one asset. Callers hold e.mu.
func (e *Engine) apply(caller, asset common.Address, requested *uint256.Int, now uint64) Result {
	result := Result{Asset: asset, RequestedPrice: requested.Clone(), Height: now}
	fail := func(err error) Result {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("oracle: asset %s: %w", asset.Hex(), err)
		e.emitter.Emit(Event{
			ID:             uuid.NewString(),
			Kind:           EventPriceSetFailed,
			Asset:          asset,
			Caller:         caller,
			Status:         StatusFailed,
			RequestedPrice: requested.Clone(),
			Height:         now,
			Reason:         err.Error(),
			Timestamp:      e.now().UTC(),
		})
		return result
	}

	oldPrice, err := e.state.Price(asset)
	if err != nil {
		return fail(err)
	}
	anchor, anchorExists, err := e.state.Anchor(asset)
	if err != nil {
		return fail(err)
	}
	pending, pendingExists, err := e.state.PendingAnchor(asset)
	if err != nil {
		return fail(err)
	}

	var (
		effective *uint256.Int
		status    Status
		next      *Anchor
		update    Update
	)
	switch {
	case pendingExists:
		effective = pending.Clone()
		status = StatusPendingAnchorApplied
		advanced := advanceAnchor(anchor, anchorExists, pending, now)
		next = &advanced
		update.ClearPending = true
	case !hasAnchor(anchor, anchorExists):
		effective = requested.Clone()
		status = StatusValidBootstrap
		advanced := advanceAnchor(anchor, anchorExists, requested, now)
		next = &advanced
	default:
		swing := CheckSwing(anchor.Price, requested, e.params.MaxSwing)
		effective = swing.Effective
		status = swing.Status
		if isNewPeriod(anchor, anchorExists, now, e.params.AnchorPeriod) {
			advanced := advanceAnchor(anchor, anchorExists, effective, now)
			next = &advanced
		}
	}
	update.Price = effective
	update.Anchor = next

	if err := e.state.Apply(asset, update); err != nil {
		return fail(err)
	}

	result.Status = status
	result.OldPrice = zeroIfNil(oldPrice)
	result.NewPrice = effective.Clone()
	result.Anchor = anchor.Clone()
	if next != nil {
		result.Anchor = next.Clone()
		result.AnchorAdvanced = true
	}
	e.emitter.Emit(Event{
		ID:             uuid.NewString(),
		Kind:           EventPriceSet,
		Asset:          asset,
		Caller:         caller,
		Status:         status,
		RequestedPrice: requested.Clone(),
		OldPrice:       zeroIfNil(oldPrice),
		NewPrice:       effective.Clone(),
		AnchorPrice:    zeroIfNil(result.Anchor.Price),
		PeriodStart:    result.Anchor.PeriodStart,
		Height:         now,
		Timestamp:      e.now().UTC(),
	})
	return result
}

// SetPendingAnchor queues value as the next anchor for asset, replacing any
// unconsumed value. Zero cancels the queued override.
func (e *Engine) SetPendingAnchor(caller, asset common.Address, value *uint256.Int) (PendingAnchorAck, error) {
	if err := e.requireAnchorAdmin(caller); err != nil {
		return PendingAnchorAck{}, err
	}
	if value == nil {
		return PendingAnchorAck{}, ErrNilPrice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, _, err := e.state.PendingAnchor(asset)
	if err != nil {
		return PendingAnchorAck{}, fmt.Errorf("oracle: read pending anchor: %w", err)
	}
	if err := e.state.PutPendingAnchor(asset, value); err != nil {
		return PendingAnchorAck{}, fmt.Errorf("oracle: set pending anchor: %w", err)
	}
	now := e.clock.Now()
	ack := PendingAnchorAck{Asset: asset, OldPending: zeroIfNil(old), NewPending: value.Clone(), Height: now}
	e.emitter.Emit(Event{
		ID:        uuid.NewString(),
		Kind:      EventPendingAnchorSet,
		Asset:     asset,
		Caller:    caller,
		Status:    StatusNone,
		OldPrice:  ack.OldPending.Clone(),
		NewPrice:  ack.NewPending.Clone(),
		Height:    now,
		Timestamp: e.now().UTC(),
	})
	return ack, nil
}

// GetPrice returns the current effective price, zero if never set.
func (e *Engine) GetPrice(asset common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Price(asset)
}

// Anchor returns the anchor for asset and whether it exists. A missing anchor
// reads as a zero price with period start zero.
func (e *Engine) Anchor(asset common.Address) (Anchor, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Anchor(asset)
}

// PendingAnchor returns the queued override for asset, or zero when none is
// queued.
func (e *Engine) PendingAnchor(asset common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	value, _, err := e.state.PendingAnchor(asset)
	return value, err
}

// Assets lists the assets that have a published price.
func (e *Engine) Assets() ([]common.Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Assets()
}

// StateRoot returns the commitment over the current oracle state.
func (e *Engine) StateRoot() (common.Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return StateRoot(e.state)
}

package oracle

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	anchorAdmin = makeAddress(0xA1)
	poster      = makeAddress(0xB2)
	outsider    = makeAddress(0xC3)
)

func makeAddress(b byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = b
	}
	return addr
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type harness struct {
	engine *Engine
	clock  *ManualClock
	state  State
	events *eventRecorder
}

func newHarness(t *testing.T, state State) *harness {
	t.Helper()
	if state == nil {
		state = NewMemoryStore()
	}
	clock := NewManualClock(100)
	events := &eventRecorder{}
	engine, err := NewEngine(Config{
		Roles:   Roles{Poster: poster, AnchorAdmin: anchorAdmin},
		Params:  DefaultParams(),
		State:   state,
		Clock:   clock,
		Emitter: events,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{engine: engine, clock: clock, state: state, events: events}
}

func exp(value string) *uint256.Int { return MustParseMantissa(value) }

func (h *harness) setPrice(t *testing.T, asset common.Address, price string) Result {
	t.Helper()
	result, err := h.engine.SetPrice(poster, asset, exp(price))
	if err != nil {
		t.Fatalf("set price %s: %v", price, err)
	}
	return result
}

// validatePriceAndAnchor checks the published price, anchor and pending value.
func (h *harness) validatePriceAndAnchor(t *testing.T, asset common.Address, price, anchor, pending string) {
	t.Helper()
	gotPrice, err := h.engine.GetPrice(asset)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !gotPrice.Eq(exp(price)) {
		t.Fatalf("expected price %s, got %s", price, FormatMantissa(gotPrice))
	}
	gotAnchor, _, err := h.engine.Anchor(asset)
	if err != nil {
		t.Fatalf("get anchor: %v", err)
	}
	if !gotAnchor.Price.Eq(exp(anchor)) {
		t.Fatalf("expected anchor %s, got %s", anchor, FormatMantissa(gotAnchor.Price))
	}
	gotPending, err := h.engine.PendingAnchor(asset)
	if err != nil {
		t.Fatalf("get pending anchor: %v", err)
	}
	if !gotPending.Eq(exp(pending)) {
		t.Fatalf("expected pending %s, got %s", pending, FormatMantissa(gotPending))
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	base := Config{
		Roles:  Roles{Poster: poster, AnchorAdmin: anchorAdmin},
		Params: DefaultParams(),
		State:  NewMemoryStore(),
		Clock:  NewManualClock(0),
	}
	if _, err := NewEngine(base); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	broken := []func(*Config){
		func(c *Config) { c.State = nil },
		func(c *Config) { c.Clock = nil },
		func(c *Config) { c.Roles.Poster = common.Address{} },
		func(c *Config) { c.Roles.AnchorAdmin = common.Address{} },
		func(c *Config) { c.Params.MaxSwing = nil },
	}
	for i, mutate := range broken {
		cfg := base
		mutate(&cfg)
		if _, err := NewEngine(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestBootstrapAcceptsAnyPrice(t *testing.T) {
	h := newHarness(t, nil)
	for i, price := range []string{"0.5", "0.000000000000000001", "1000000"} {
		asset := makeAddress(byte(i + 1))
		result := h.setPrice(t, asset, price)
		if result.Status != StatusValidBootstrap {
			t.Fatalf("expected bootstrap status, got %s", result.Status)
		}
		if !result.AnchorAdvanced {
			t.Fatal("expected bootstrap to set anchor")
		}
		h.validatePriceAndAnchor(t, asset, price, price, "0")
		anchor, exists, err := h.engine.Anchor(asset)
		if err != nil || !exists {
			t.Fatalf("expected anchor to exist: exists=%v err=%v", exists, err)
		}
		if anchor.PeriodStart != 100 {
			t.Fatalf("expected period start 100, got %d", anchor.PeriodStart)
		}
	}
}

func TestMaxSwingExample(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x01)
	h.setPrice(t, asset, "0.5")

	h.clock.Advance(1)
	result := h.setPrice(t, asset, "0.55")
	if result.Status != StatusValid {
		t.Fatalf("expected valid, got %s", result.Status)
	}
	if result.AnchorAdvanced {
		t.Fatal("anchor must not move within the period")
	}
	h.validatePriceAndAnchor(t, asset, "0.55", "0.5", "0")

	h.clock.Advance(1)
	result = h.setPrice(t, asset, "0.6")
	if result.Status != StatusCapped {
		t.Fatalf("expected capped, got %s", result.Status)
	}
	if !result.NewPrice.Eq(exp("0.55")) {
		t.Fatalf("expected capped price 0.55, got %s", FormatMantissa(result.NewPrice))
	}
	if !result.OldPrice.Eq(exp("0.55")) {
		t.Fatalf("expected old price 0.55, got %s", FormatMantissa(result.OldPrice))
	}
	h.validatePriceAndAnchor(t, asset, "0.55", "0.5", "0")

	result = h.setPrice(t, asset, "0.4")
	if result.Status != StatusCapped || !result.NewPrice.Eq(exp("0.45")) {
		t.Fatalf("expected capped to 0.45, got %s %s", result.Status, FormatMantissa(result.NewPrice))
	}
}

func TestSwingContainmentWithinPeriod(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x02)
	h.setPrice(t, asset, "2")
	cases := []struct {
		price string
		want  string
	}{
		{"1.8", "1.8"},
		{"2.2", "2.2"},
		{"1.79", "1.8"},
		{"2.21", "2.2"},
		{"2.05", "2.05"},
	}
	for _, tc := range cases {
		h.clock.Advance(10)
		result := h.setPrice(t, asset, tc.price)
		if !result.NewPrice.Eq(exp(tc.want)) {
			t.Fatalf("price %s: expected %s, got %s", tc.price, tc.want, FormatMantissa(result.NewPrice))
		}
	}
	h.validatePriceAndAnchor(t, asset, "2.05", "2", "0")
}

func TestAnchorAdvancesAfterPeriod(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x03)
	h.setPrice(t, asset, "1")

	// now == start+period is still the same period.
	h.clock.Set(100 + DefaultAnchorPeriod)
	result := h.setPrice(t, asset, "1.5")
	if result.Status != StatusCapped || result.AnchorAdvanced {
		t.Fatalf("expected capped without advance at the boundary, got %s advanced=%v", result.Status, result.AnchorAdvanced)
	}
	h.validatePriceAndAnchor(t, asset, "1.1", "1", "0")

	h.clock.Advance(1)
	result = h.setPrice(t, asset, "1.5")
	if result.Status != StatusCapped {
		t.Fatalf("expected capped, got %s", result.Status)
	}
	if !result.AnchorAdvanced {
		t.Fatal("expected anchor to advance in the new period")
	}
	// The anchor moves to the capped price, never the raw input.
	h.validatePriceAndAnchor(t, asset, "1.1", "1.1", "0")
	anchor, _, _ := h.engine.Anchor(asset)
	if anchor.PeriodStart != 101+DefaultAnchorPeriod {
		t.Fatalf("unexpected period start %d", anchor.PeriodStart)
	}

	// Next period's band is centred on 1.1.
	result = h.setPrice(t, asset, "1.21")
	if result.Status != StatusValid {
		t.Fatalf("expected valid against new anchor, got %s", result.Status)
	}
}

func TestPendingAnchorOverride(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x04)
	h.setPrice(t, asset, "0.5")

	ack, err := h.engine.SetPendingAnchor(anchorAdmin, asset, exp("2"))
	if err != nil {
		t.Fatalf("set pending anchor: %v", err)
	}
	if !ack.OldPending.IsZero() || !ack.NewPending.Eq(exp("2")) {
		t.Fatalf("unexpected ack %+v", ack)
	}
	h.validatePriceAndAnchor(t, asset, "0.5", "0.5", "2")

	h.clock.Advance(1)
	result := h.setPrice(t, asset, "0.51")
	if result.Status != StatusPendingAnchorApplied {
		t.Fatalf("expected pending anchor applied, got %s", result.Status)
	}
	if !result.NewPrice.Eq(exp("2")) {
		t.Fatalf("expected effective price 2, got %s", FormatMantissa(result.NewPrice))
	}
	h.validatePriceAndAnchor(t, asset, "2", "2", "0")
	anchor, _, _ := h.engine.Anchor(asset)
	if anchor.PeriodStart != 101 {
		t.Fatalf("expected anchor period to restart at 101, got %d", anchor.PeriodStart)
	}

	// Consumed: the next submission is validated against the new anchor.
	result = h.setPrice(t, asset, "0.51")
	if result.Status != StatusCapped || !result.NewPrice.Eq(exp("1.8")) {
		t.Fatalf("expected capped to 1.8, got %s %s", result.Status, FormatMantissa(result.NewPrice))
	}
	result = h.setPrice(t, asset, "2.1")
	if result.Status != StatusValid {
		t.Fatalf("expected valid, got %s", result.Status)
	}
}

func TestPendingAnchorBeforeBootstrap(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x05)
	if _, err := h.engine.SetPendingAnchor(anchorAdmin, asset, exp("7")); err != nil {
		t.Fatalf("set pending anchor: %v", err)
	}
	result := h.setPrice(t, asset, "1")
	if result.Status != StatusPendingAnchorApplied {
		t.Fatalf("expected pending anchor applied, got %s", result.Status)
	}
	h.validatePriceAndAnchor(t, asset, "7", "7", "0")
}

func TestPendingAnchorOverwriteAndCancel(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x06)
	h.setPrice(t, asset, "1")
	if _, err := h.engine.SetPendingAnchor(anchorAdmin, asset, exp("3")); err != nil {
		t.Fatalf("set pending anchor: %v", err)
	}
	ack, err := h.engine.SetPendingAnchor(anchorAdmin, asset, exp("4"))
	if err != nil {
		t.Fatalf("overwrite pending anchor: %v", err)
	}
	if !ack.OldPending.Eq(exp("3")) {
		t.Fatalf("expected previous pending 3, got %s", FormatMantissa(ack.OldPending))
	}
	h.validatePriceAndAnchor(t, asset, "1", "1", "4")

	if _, err := h.engine.SetPendingAnchor(anchorAdmin, asset, new(uint256.Int)); err != nil {
		t.Fatalf("cancel pending anchor: %v", err)
	}
	h.validatePriceAndAnchor(t, asset, "1", "1", "0")
	result := h.setPrice(t, asset, "1.05")
	if result.Status != StatusValid {
		t.Fatalf("expected normal validation after cancel, got %s", result.Status)
	}
}

func TestSetPricesIsolatesAssets(t *testing.T) {
	h := newHarness(t, nil)
	a1, a2 := makeAddress(0x11), makeAddress(0x12)
	if _, err := h.engine.SetPrices(poster, []common.Address{a1, a2}, []*uint256.Int{exp("1"), exp("1")}); err != nil {
		t.Fatalf("bootstrap batch: %v", err)
	}
	h.clock.Advance(1)
	results, err := h.engine.SetPrices(poster, []common.Address{a1, a2}, []*uint256.Int{exp("1.05"), exp("5")})
	if err != nil {
		t.Fatalf("set prices: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Asset != a1 || results[0].Status != StatusValid {
		t.Fatalf("expected a1 valid, got %s", results[0].Status)
	}
	if results[1].Asset != a2 || results[1].Status != StatusCapped {
		t.Fatalf("expected a2 capped, got %s", results[1].Status)
	}
	h.validatePriceAndAnchor(t, a1, "1.05", "1", "0")
	h.validatePriceAndAnchor(t, a2, "1.1", "1", "0")
}

func TestSetPricesMultipleAssetsBootstrap(t *testing.T) {
	h := newHarness(t, nil)
	assets := make([]common.Address, 5)
	prices := make([]*uint256.Int, 5)
	for i := range assets {
		assets[i] = makeAddress(byte(0x20 + i))
		prices[i] = new(uint256.Int).Mul(uint256.NewInt(uint64(i+1)), exp("0.1"))
	}
	results, err := h.engine.SetPrices(poster, assets, prices)
	if err != nil {
		t.Fatalf("set prices: %v", err)
	}
	for i, result := range results {
		if result.Status != StatusValidBootstrap {
			t.Fatalf("asset %d: expected bootstrap, got %s", i, result.Status)
		}
		got, _ := h.engine.GetPrice(assets[i])
		if !got.Eq(prices[i]) {
			t.Fatalf("asset %d: expected %s, got %s", i, prices[i].Dec(), got.Dec())
		}
	}
	listed, err := h.engine.Assets()
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(listed) != len(assets) {
		t.Fatalf("expected %d assets listed, got %d", len(assets), len(listed))
	}
}

func TestSetPricesLengthMismatchChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	a1, a2 := makeAddress(0x13), makeAddress(0x14)
	_, err := h.engine.SetPrices(poster, []common.Address{a1, a2}, []*uint256.Int{exp("1")})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
	h.validatePriceAndAnchor(t, a1, "0", "0", "0")
	h.validatePriceAndAnchor(t, a2, "0", "0", "0")
	if events := h.events.snapshot(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}

	_, err = h.engine.SetPrices(poster, []common.Address{a1, a2}, []*uint256.Int{exp("1"), nil})
	if !errors.Is(err, ErrNilPrice) {
		t.Fatalf("expected ErrNilPrice, got %v", err)
	}
	h.validatePriceAndAnchor(t, a1, "0", "0", "0")
}

func TestAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x15)

	if _, err := h.engine.SetPrice(outsider, asset, exp("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized setPrice, got %v", err)
	}
	if _, err := h.engine.SetPrice(anchorAdmin, asset, exp("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected admin to be rejected as poster, got %v", err)
	}
	if _, err := h.engine.SetPrices(outsider, []common.Address{asset}, []*uint256.Int{exp("1")}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized setPrices, got %v", err)
	}
	if _, err := h.engine.SetPendingAnchor(poster, asset, exp("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected poster to be rejected as admin, got %v", err)
	}
	if _, err := h.engine.SetPendingAnchor(outsider, asset, exp("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized pending anchor, got %v", err)
	}
	h.validatePriceAndAnchor(t, asset, "0", "0", "0")
	if events := h.events.snapshot(); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestZeroAnchorRebootstraps(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x16)
	result := h.setPrice(t, asset, "0")
	if result.Status != StatusValidBootstrap {
		t.Fatalf("expected bootstrap, got %s", result.Status)
	}
	h.clock.Advance(1)
	result = h.setPrice(t, asset, "3")
	if result.Status != StatusValidBootstrap {
		t.Fatalf("expected zero anchor to re-bootstrap, got %s", result.Status)
	}
	h.validatePriceAndAnchor(t, asset, "3", "3", "0")
}

func TestEventsRecordOutcome(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x17)
	h.setPrice(t, asset, "1")
	h.setPrice(t, asset, "2")
	if _, err := h.engine.SetPendingAnchor(anchorAdmin, asset, exp("5")); err != nil {
		t.Fatalf("set pending anchor: %v", err)
	}
	events := h.events.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	capped := events[1]
	if capped.Kind != EventPriceSet || capped.Status != StatusCapped {
		t.Fatalf("unexpected event %+v", capped)
	}
	if !capped.OldPrice.Eq(exp("1")) || !capped.NewPrice.Eq(exp("1.1")) || !capped.RequestedPrice.Eq(exp("2")) {
		t.Fatalf("unexpected prices old=%s new=%s requested=%s", capped.OldPrice.Dec(), capped.NewPrice.Dec(), capped.RequestedPrice.Dec())
	}
	if capped.Caller != poster || capped.ID == "" {
		t.Fatalf("expected caller and id to be populated: %+v", capped)
	}
	queued := events[2]
	if queued.Kind != EventPendingAnchorSet || queued.Caller != anchorAdmin || !queued.NewPrice.Eq(exp("5")) {
		t.Fatalf("unexpected pending event %+v", queued)
	}
}

type flakyState struct {
	*Store
	failAsset common.Address
}

func (f *flakyState) Apply(asset common.Address, update Update) error {
	if asset == f.failAsset {
		return errors.New("disk full")
	}
	return f.Store.Apply(asset, update)
}

func TestSetPricesContinuesAfterPersistenceFailure(t *testing.T) {
	bad := makeAddress(0x18)
	good := makeAddress(0x19)
	state := &flakyState{Store: NewMemoryStore(), failAsset: bad}
	h := newHarness(t, state)

	results, err := h.engine.SetPrices(poster, []common.Address{bad, good}, []*uint256.Int{exp("1"), exp("2")})
	if err != nil {
		t.Fatalf("set prices: %v", err)
	}
	if results[0].Status != StatusFailed || results[0].Err == nil {
		t.Fatalf("expected first asset to fail, got %s (%v)", results[0].Status, results[0].Err)
	}
	if results[1].Status != StatusValidBootstrap {
		t.Fatalf("expected second asset to bootstrap, got %s", results[1].Status)
	}
	h.validatePriceAndAnchor(t, bad, "0", "0", "0")
	h.validatePriceAndAnchor(t, good, "2", "2", "0")

	if _, err := h.engine.SetPrice(poster, bad, exp("1")); err == nil {
		t.Fatal("expected single submission to surface the persistence error")
	}
	events := h.events.snapshot()
	if events[0].Kind != EventPriceSetFailed || events[0].Reason == "" {
		t.Fatalf("expected failure event, got %+v", events[0])
	}
}

func TestEngineSerialisesConcurrentSubmissions(t *testing.T) {
	h := newHarness(t, nil)
	asset := makeAddress(0x1A)
	h.setPrice(t, asset, "1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.SetPrice(poster, asset, exp("1.05")); err != nil {
				t.Errorf("set price: %v", err)
			}
		}()
	}
	wg.Wait()
	h.validatePriceAndAnchor(t, asset, "1.05", "1", "0")
}

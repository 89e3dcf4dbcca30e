// Package client is a Go client for the oracled HTTP API. Mutating calls
// are signed with the caller's secp256k1 key.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/fulldecent/compound-oracle/services/oracled/signing"
)

const defaultTimeout = 15 * time.Second

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oracled: %d %s", e.StatusCode, e.Message)
}

// Client talks to one oracled instance.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSigner sets the key used to sign mutating requests.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// New builds a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("client: base url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	c := &Client{
		baseURL: parsed,
		http:    &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the signer address, or the zero address without a signer.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(c.key.PublicKey)
}

// Anchor mirrors the anchor read endpoint.
type Anchor struct {
	Price       *uint256.Int
	PeriodStart uint64
	Exists      bool
}

// Result is one submission outcome.
type Result struct {
	Asset          common.Address
	Status         string
	RequestedPrice *uint256.Int
	OldPrice       *uint256.Int
	NewPrice       *uint256.Int
	Anchor         Anchor
	AnchorAdvanced bool
	Height         uint64
	Error          string
}

// PendingAnchorAck is returned by SetPendingAnchor.
type PendingAnchorAck struct {
	Asset      common.Address
	OldPending *uint256.Int
	NewPending *uint256.Int
	Height     uint64
}

type resultWire struct {
	Asset          string `json:"asset"`
	Status         string `json:"status"`
	RequestedPrice string `json:"requested_price"`
	OldPrice       string `json:"old_price"`
	NewPrice       string `json:"new_price"`
	Anchor         struct {
		Price       string `json:"price"`
		PeriodStart uint64 `json:"period_start"`
	} `json:"anchor"`
	AnchorAdvanced bool   `json:"anchor_advanced"`
	Height         uint64 `json:"height"`
	Error          string `json:"error"`
}

func (w resultWire) decode() (Result, error) {
	var err error
	out := Result{
		Asset:          common.HexToAddress(w.Asset),
		Status:         w.Status,
		AnchorAdvanced: w.AnchorAdvanced,
		Height:         w.Height,
		Error:          w.Error,
		Anchor:         Anchor{PeriodStart: w.Anchor.PeriodStart, Exists: true},
	}
	if out.RequestedPrice, err = parseDecimal(w.RequestedPrice); err != nil {
		return Result{}, err
	}
	if out.OldPrice, err = parseDecimal(w.OldPrice); err != nil {
		return Result{}, err
	}
	if out.NewPrice, err = parseDecimal(w.NewPrice); err != nil {
		return Result{}, err
	}
	if out.Anchor.Price, err = parseDecimal(w.Anchor.Price); err != nil {
		return Result{}, err
	}
	return out, nil
}

// SetPrice submits one price.
func (c *Client) SetPrice(ctx context.Context, asset common.Address, price *uint256.Int) (Result, error) {
	if price == nil {
		return Result{}, errors.New("client: price required")
	}
	var wire resultWire
	body := map[string]string{"asset": asset.Hex(), "price": price.Dec()}
	if err := c.do(ctx, http.MethodPost, "/v1/prices", nil, body, true, &wire); err != nil {
		return Result{}, err
	}
	return wire.decode()
}

// SetPrices submits a batch. Results come back in input order.
func (c *Client) SetPrices(ctx context.Context, assets []common.Address, prices []*uint256.Int) ([]Result, error) {
	payload := struct {
		Assets []string  `json:"assets"`
		Prices []*string `json:"prices"`
	}{Assets: make([]string, len(assets)), Prices: make([]*string, len(prices))}
	for i, asset := range assets {
		payload.Assets[i] = asset.Hex()
	}
	for i, price := range prices {
		if price != nil {
			dec := price.Dec()
			payload.Prices[i] = &dec
		}
	}
	var resp struct {
		Results []resultWire `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/prices/batch", nil, payload, true, &resp); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(resp.Results))
	for _, wire := range resp.Results {
		result, err := wire.decode()
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// SetPendingAnchor queues an anchor override. Zero cancels the queued value.
func (c *Client) SetPendingAnchor(ctx context.Context, asset common.Address, value *uint256.Int) (PendingAnchorAck, error) {
	if value == nil {
		return PendingAnchorAck{}, errors.New("client: value required")
	}
	var wire struct {
		Asset      string `json:"asset"`
		OldPending string `json:"old_pending"`
		NewPending string `json:"new_pending"`
		Height     uint64 `json:"height"`
	}
	body := map[string]string{"asset": asset.Hex(), "price": value.Dec()}
	if err := c.do(ctx, http.MethodPost, "/v1/anchors/pending", nil, body, true, &wire); err != nil {
		return PendingAnchorAck{}, err
	}
	oldPending, err := parseDecimal(wire.OldPending)
	if err != nil {
		return PendingAnchorAck{}, err
	}
	newPending, err := parseDecimal(wire.NewPending)
	if err != nil {
		return PendingAnchorAck{}, err
	}
	return PendingAnchorAck{
		Asset:      common.HexToAddress(wire.Asset),
		OldPending: oldPending,
		NewPending: newPending,
		Height:     wire.Height,
	}, nil
}

// GetPrice returns the effective price; zero when the asset was never priced.
func (c *Client) GetPrice(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var wire struct {
		Price string `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/prices/"+asset.Hex(), nil, nil, false, &wire); err != nil {
		return nil, err
	}
	return parseDecimal(wire.Price)
}

// GetAnchor returns the asset's anchor.
func (c *Client) GetAnchor(ctx context.Context, asset common.Address) (Anchor, error) {
	var wire struct {
		Price       string `json:"price"`
		PeriodStart uint64 `json:"period_start"`
		Exists      bool   `json:"exists"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/anchors/"+asset.Hex(), nil, nil, false, &wire); err != nil {
		return Anchor{}, err
	}
	price, err := parseDecimal(wire.Price)
	if err != nil {
		return Anchor{}, err
	}
	return Anchor{Price: price, PeriodStart: wire.PeriodStart, Exists: wire.Exists}, nil
}

// GetPendingAnchor returns the queued override, zero if none.
func (c *Client) GetPendingAnchor(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	var wire struct {
		Price string `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/anchors/"+asset.Hex()+"/pending", nil, nil, false, &wire); err != nil {
		return nil, err
	}
	return parseDecimal(wire.Price)
}

// StateRoot fetches the commitment over the oracle's current state.
func (c *Client) StateRoot(ctx context.Context) (common.Hash, error) {
	var wire struct {
		Root string `json:"root"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/state/root", nil, nil, false, &wire); err != nil {
		return common.Hash{}, err
	}
	var root common.Hash
	if err := root.UnmarshalText([]byte(wire.Root)); err != nil {
		return common.Hash{}, fmt.Errorf("oracle client: invalid state root %q: %w", wire.Root, err)
	}
	return root, nil
}

// Event is one entry of the audit log.
type Event struct {
	Seq            int64     `json:"seq"`
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Asset          string    `json:"asset"`
	Caller         string    `json:"caller"`
	Status         string    `json:"status"`
	RequestedPrice string    `json:"requested_price"`
	OldPrice       string    `json:"old_price"`
	NewPrice       string    `json:"new_price"`
	AnchorPrice    string    `json:"anchor_price"`
	PeriodStart    uint64    `json:"period_start"`
	Height         uint64    `json:"height"`
	Reason         string    `json:"reason"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ListEvents reads the audit log, newest first. A nil asset lists all assets.
func (c *Client) ListEvents(ctx context.Context, asset *common.Address, limit int) ([]Event, error) {
	query := url.Values{}
	if asset != nil {
		query.Set("asset", asset.Hex())
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var wire struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/events", query, nil, false, &wire); err != nil {
		return nil, err
	}
	return wire.Events, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, signed bool, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.key == nil {
			return errors.New("client: signer required for mutating calls")
		}
		if err := signing.SignRequest(req, c.key, c.now()); err != nil {
			return err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, signing.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func parseDecimal(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse %q: %w", raw, err)
	}
	return value, nil
}

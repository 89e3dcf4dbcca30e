package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/fulldecent/compound-oracle/native/oracle"
	"github.com/fulldecent/compound-oracle/services/oracled/audit"
)

type setPriceRequest struct {
	Asset string  `json:"asset"`
	Price *string `json:"price"`
}

type setPricesRequest struct {
	Assets []string  `json:"assets"`
	Prices []*string `json:"prices"`
}

type anchorJSON struct {
	Price       string `json:"price"`
	PeriodStart uint64 `json:"period_start"`
}

type resultJSON struct {
	Asset          string     `json:"asset"`
	Status         string     `json:"status"`
	RequestedPrice string     `json:"requested_price"`
	OldPrice       string     `json:"old_price"`
	NewPrice       string     `json:"new_price"`
	Anchor         anchorJSON `json:"anchor"`
	AnchorAdvanced bool       `json:"anchor_advanced"`
	Height         uint64     `json:"height"`
	Error          string     `json:"error,omitempty"`
}

type setPricesResponse struct {
	Results []resultJSON `json:"results"`
}

type pendingAnchorResponse struct {
	Asset      string `json:"asset"`
	OldPending string `json:"old_pending"`
	NewPending string `json:"new_pending"`
	Height     uint64 `json:"height"`
}

type priceResponse struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

type anchorResponse struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	PeriodStart uint64 `json:"period_start"`
	Exists      bool   `json:"exists"`
}

type stateRootResponse struct {
	Root string `json:"root"`
}

type eventsResponse struct {
	Events []audit.Record `json:"events"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req setPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseOptionalPrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.oracle.SetPrice(principal.Address, asset, price)
	if err != nil {
		s.writeEngineError(w, "set_price", err)
		return
	}
	s.logResult(principal, result)
	writeJSON(w, http.StatusOK, resultFrom(result))
}

func (s *Server) handleSetPrices(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req setPricesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assets := make([]common.Address, len(req.Assets))
	for i, raw := range req.Assets {
		asset, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("assets[%d]: %v", i, err))
			return
		}
		assets[i] = asset
	}
	prices := make([]*uint256.Int, len(req.Prices))
	for i, raw := range req.Prices {
		price, err := parseOptionalPrice(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("prices[%d]: %v", i, err))
			return
		}
		prices[i] = price
	}
	s.metrics.ObserveBatch(len(assets))
	results, err := s.oracle.SetPrices(principal.Address, assets, prices)
	if err != nil {
		s.writeEngineError(w, "set_prices", err)
		return
	}
	resp := setPricesResponse{Results: make([]resultJSON, 0, len(results))}
	for _, result := range results {
		s.logResult(principal, result)
		resp.Results = append(resp.Results, resultFrom(result))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetPendingAnchor(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req setPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value, err := parseOptionalPrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := s.oracle.SetPendingAnchor(principal.Address, asset, value)
	if err != nil {
		s.writeEngineError(w, "set_pending_anchor", err)
		return
	}
	s.logger.Info("pending anchor set",
		"asset", ack.Asset.Hex(),
		"caller", principal.Address.Hex(),
		"old_pending", decimal(ack.OldPending),
		"new_pending", decimal(ack.NewPending),
		"height", ack.Height,
	)
	writeJSON(w, http.StatusOK, pendingAnchorResponse{
		Asset:      ack.Asset.Hex(),
		OldPending: decimal(ack.OldPending),
		NewPending: decimal(ack.NewPending),
		Height:     ack.Height,
	})
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if principal.Method != MethodSignature {
		writeError(w, http.StatusUnauthorized, "sessions must be requested with a signed request")
		return
	}
	token, expires, err := s.sessions.issue(principal.Address)
	if err != nil {
		if errors.Is(err, errSessionsDisabled) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("issue session failed", "caller", principal.Address.Hex(), "error", err)
		writeError(w, http.StatusInternalServerError, "issue session failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, Address: principal.Address.Hex(), ExpiresAt: expires})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := s.oracle.GetPrice(asset)
	if err != nil {
		s.writeEngineError(w, "get_price", err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Asset: asset.Hex(), Price: decimal(price)})
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	anchor, exists, err := s.oracle.Anchor(asset)
	if err != nil {
		s.writeEngineError(w, "get_anchor", err)
		return
	}
	writeJSON(w, http.StatusOK, anchorResponse{
		Asset:       asset.Hex(),
		Price:       decimal(anchor.Price),
		PeriodStart: anchor.PeriodStart,
		Exists:      exists,
	})
}

func (s *Server) handleGetPendingAnchor(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending, err := s.oracle.PendingAnchor(asset)
	if err != nil {
		s.writeEngineError(w, "get_pending_anchor", err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Asset: asset.Hex(), Price: decimal(pending)})
}

func (s *Server) handleGetStateRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.oracle.StateRoot()
	if err != nil {
		s.writeEngineError(w, "get_state_root", err)
		return
	}
	writeJSON(w, http.StatusOK, stateRootResponse{Root: root.Hex()})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	query := r.URL.Query()
	var filter *common.Address
	if raw := strings.TrimSpace(query.Get("asset")); raw != "" {
		asset, err := parseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = &asset
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	records, err := s.events.ListEvents(r.Context(), filter, limit)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: records})
}

func (s *Server) writeEngineError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, oracle.ErrUnauthorized):
		s.metrics.RecordRejection(operation, "unauthorized")
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, oracle.ErrLengthMismatch):
		s.metrics.RecordRejection(operation, "length_mismatch")
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, oracle.ErrNilPrice):
		s.metrics.RecordRejection(operation, "nil_price")
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("oracle operation failed", "operation", operation, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logResult(principal Principal, result oracle.Result) {
	attrs := []any{
		"asset", result.Asset.Hex(),
		"caller", principal.Address.Hex(),
		"status", result.Status.String(),
		"requested_price", decimal(result.RequestedPrice),
		"new_price", decimal(result.NewPrice),
		"height", result.Height,
	}
	if result.Err != nil {
		s.logger.Error("price submission failed", append(attrs, "error", result.Err)...)
		return
	}
	s.logger.Info("price submission", attrs...)
}

func resultFrom(result oracle.Result) resultJSON {
	out := resultJSON{
		Asset:          result.Asset.Hex(),
		Status:         result.Status.String(),
		RequestedPrice: decimal(result.RequestedPrice),
		OldPrice:       decimal(result.OldPrice),
		NewPrice:       decimal(result.NewPrice),
		Anchor: anchorJSON{
			Price:       decimal(result.Anchor.Price),
			PeriodStart: result.Anchor.PeriodStart,
		},
		AnchorAdvanced: result.AnchorAdvanced,
		Height:         result.Height,
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid asset address %q", trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

// parseOptionalPrice reads a base-10 mantissa. A JSON null yields nil so the
// engine can reject it.
func parseOptionalPrice(raw *string) (*uint256.Int, error) {
	if raw == nil {
		return nil, nil
	}
	value, err := uint256.FromDecimal(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", *raw, err)
	}
	return value, nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fulldecent/compound-oracle/observability"
	"github.com/fulldecent/compound-oracle/observability/logging"
	"github.com/fulldecent/compound-oracle/services/oracled/audit"
	"github.com/fulldecent/compound-oracle/services/oracled/signing"
)

const (
	MethodSignature = "signature"
	MethodSession   = "session"

	defaultMaxSkew = 2 * time.Minute
)

var (
	errStaleRequest = errors.New("request timestamp outside allowed skew")
	errReplay       = errors.New("request nonce already used")
)

// Principal is the identity that authenticated a request.
type Principal struct {
	Address common.Address
	Method  string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

type authenticator struct {
	nonces   NonceStore
	sessions *sessionIssuer
	maxSkew  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.OracleMetrics
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			a.logger.Warn("request authentication failed",
				"path", r.URL.Path,
				"error", err,
				logging.MaskField("signature", r.Header.Get(signing.HeaderSignature)),
			)
			a.metrics.RecordRejection(routeLabel(r), "unauthenticated")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) authenticate(r *http.Request) (Principal, error) {
	if token := parseBearerToken(r.Header.Get("Authorization")); token != "" {
		if !a.sessions.enabled() {
			return Principal{}, errSessionsDisabled
		}
		addr, err := a.sessions.parse(token)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Address: addr, Method: MethodSession}, nil
	}

	headers, err := signing.ParseHeaders(r.Header)
	if err != nil {
		return Principal{}, err
	}
	maxSkew := a.maxSkew
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	now := a.now()
	if delta := now.Sub(headers.Timestamp); delta > maxSkew || delta < -maxSkew {
		return Principal{}, fmt.Errorf("%w: %s", errStaleRequest, delta)
	}
	body, err := signing.ReadBody(r)
	if err != nil {
		return Principal{}, err
	}
	if err := headers.Verify(r.Method, r.URL.Path, body); err != nil {
		return Principal{}, err
	}
	seen, err := a.nonces.EnsureNonce(r.Context(), audit.NonceRecord{
		Address:    headers.Address,
		Timestamp:  headers.RawTime,
		Nonce:      headers.Nonce,
		ObservedAt: now,
	})
	if err != nil {
		return Principal{}, fmt.Errorf("record nonce: %w", err)
	}
	if seen {
		return Principal{}, errReplay
	}
	return Principal{Address: headers.Address, Method: MethodSignature}, nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(trimmed, " ")
	if !ok || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Package signing builds and verifies the secp256k1 signatures that
// authenticate oracled API calls.
package signing

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	HeaderAddress   = "X-Oracle-Address"
	HeaderTimestamp = "X-Oracle-Timestamp"
	HeaderNonce     = "X-Oracle-Nonce"
	HeaderSignature = "X-Oracle-Signature"

	messagePrefix = "ORACLE_REQUEST_V1"
	// MaxBodyBytes bounds the body that is hashed into a signature.
	MaxBodyBytes = 1 << 20
)

var (
	ErrMissingHeaders   = errors.New("signing: missing signature headers")
	ErrInvalidSignature = errors.New("signing: invalid signature")
	ErrSignerMismatch   = errors.New("signing: signature does not match address")
)

// CanonicalMessage returns the string that a caller signs for one request.
func CanonicalMessage(method, path, timestamp, nonce string, body []byte) string {
	bodyHash := ethcrypto.Keccak256(body)
	return strings.Join([]string{
		messagePrefix,
		"method=" + strings.ToUpper(strings.TrimSpace(method)),
		"path=" + path,
		"ts=" + strings.TrimSpace(timestamp),
		"nonce=" + strings.TrimSpace(nonce),
		"body=" + hex.EncodeToString(bodyHash),
	}, "|")
}

// Digest hashes the canonical message.
func Digest(method, path, timestamp, nonce string, body []byte) []byte {
	return ethcrypto.Keccak256([]byte(CanonicalMessage(method, path, timestamp, nonce, body)))
}

// Sign produces a 65-byte recoverable signature over the request digest.
func Sign(key *ecdsa.PrivateKey, method, path, timestamp, nonce string, body []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("signing: private key required")
	}
	sig, err := ethcrypto.Sign(Digest(method, path, timestamp, nonce, body), key)
	if err != nil {
		return nil, fmt.Errorf("signing: sign request: %w", err)
	}
	return sig, nil
}

// Recover returns the address that produced sig over the request digest.
func Recover(sig []byte, method, path, timestamp, nonce string, body []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, ethcrypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(Digest(method, path, timestamp, nonce, body), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignRequest stamps req with the signature headers. The body is read and
// replaced so the request can still be sent.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	if req == nil {
		return fmt.Errorf("signing: request required")
	}
	if key == nil {
		return fmt.Errorf("signing: private key required")
	}
	body, err := ReadBody(req)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	sig, err := Sign(key, req.Method, req.URL.Path, timestamp, nonce, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// Headers carries the parsed signature headers of a request.
type Headers struct {
	Address   common.Address
	Timestamp time.Time
	RawTime   string
	Nonce     string
	Signature []byte
}

// ParseHeaders extracts the signature headers from h.
func ParseHeaders(h http.Header) (Headers, error) {
	rawAddr := strings.TrimSpace(h.Get(HeaderAddress))
	rawTime := strings.TrimSpace(h.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(h.Get(HeaderNonce))
	rawSig := strings.TrimSpace(h.Get(HeaderSignature))
	if rawAddr == "" || rawTime == "" || nonce == "" || rawSig == "" {
		return Headers{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(rawAddr) {
		return Headers{}, fmt.Errorf("signing: invalid address %q", rawAddr)
	}
	unix, err := strconv.ParseInt(rawTime, 10, 64)
	if err != nil {
		return Headers{}, fmt.Errorf("signing: invalid timestamp: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(rawSig, "0x"), "0X"))
	if err != nil {
		return Headers{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Headers{
		Address:   common.HexToAddress(rawAddr),
		Timestamp: time.Unix(unix, 0),
		RawTime:   rawTime,
		Nonce:     nonce,
		Signature: sig,
	}, nil
}

// Verify checks that h was signed by h.Address over the given request parts.
func (h Headers) Verify(method, path string, body []byte) error {
	signer, err := Recover(h.Signature, method, path, h.RawTime, h.Nonce, body)
	if err != nil {
		return err
	}
	if signer != h.Address {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, signer.Hex())
	}
	return nil
}

// ReadBody drains req.Body up to MaxBodyBytes and restores it for later readers.
func ReadBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxBodyBytes+1))
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("signing: read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("signing: body exceeds %d bytes", MaxBodyBytes)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

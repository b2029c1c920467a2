package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// DefaultTimestampTolerance bounds clock skew on signed risk commands.
const DefaultTimestampTolerance = 300 * time.Second

// SignalVerifier authenticates generator signals and operator commands with
// a shared HMAC-SHA256 secret.
type SignalVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignalVerifier returns a verifier for secret. An empty secret is an
// error unless allowEmpty is set, in which case verification is disabled.
func NewSignalVerifier(secret string, tolerance time.Duration, allowEmpty bool) (*SignalVerifier, error) {
	if secret == "" && !allowEmpty {
		return nil, errors.New("crypto: hmac secret must not be empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	return &SignalVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

// Enabled reports whether signatures are checked.
func (v *SignalVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// CanonicalJSON re-encodes payload with object keys sorted and insignificant
// whitespace removed. Number literals are kept verbatim.
func CanonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("crypto: canonical json: %w", err)
	}
	if dec.More() {
		return nil, errors.New("crypto: canonical json: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("crypto: canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical form of payload.
func (v *SignalVerifier) Sign(payload []byte) (string, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return hmacSHA256Hex(v.secret, canon), nil
}

// Verify checks signature against the canonical form of payload in constant
// time. It fails with domain.ErrInvalidSignature.
func (v *SignalVerifier) Verify(payload []byte, signature string) error {
	if !v.Enabled() {
		return nil
	}
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if !equalHex(hmacSHA256Hex(v.secret, canon), signature) {
		return fmt.Errorf("crypto: signal signature mismatch: %w", domain.ErrInvalidSignature)
	}
	return nil
}

// RiskCommand is an operator instruction to the risk overlay.
type RiskCommand struct {
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Signature string `json:"signature"`
}

func (c RiskCommand) message() string {
	return strconv.FormatInt(c.Timestamp, 10) + ":" + c.Action + ":" + c.ActorID + ":" + c.CommandID
}

// SignCommand returns the hex signature over "timestamp:action:actor_id:command_id".
func (v *SignalVerifier) SignCommand(c RiskCommand) string {
	return hmacSHA256Hex(v.secret, []byte(c.message()))
}

// VerifyCommand checks a risk command signature and its timestamp window.
// Commands are always verified, even when signal verification is disabled.
func (v *SignalVerifier) VerifyCommand(c RiskCommand) error {
	if !v.Enabled() {
		return fmt.Errorf("crypto: risk commands need a secret: %w", domain.ErrInvalidSignature)
	}
	if c.Action == "" || c.ActorID == "" || c.CommandID == "" {
		return fmt.Errorf("crypto: %w: action, actor_id and command_id are required", domain.ErrValidation)
	}
	skew := v.now().Sub(time.Unix(c.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("crypto: command timestamp outside %s window: %w", v.tolerance, domain.ErrInvalidSignature)
	}
	if !equalHex(v.SignCommand(c), c.Signature) {
		return fmt.Errorf("crypto: command signature mismatch: %w", domain.ErrInvalidSignature)
	}
	return nil
}

// hmacSHA256Hex computes HMAC-SHA256 of message and hex-encodes it.
func hmacSHA256Hex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(want, got string) bool {
	wb, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gb, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(got), "0x"))
	if err != nil {
		return false
	}
	return hmac.Equal(wb, gb)
}

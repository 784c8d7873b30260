package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Signature header names shared by outbound alert payloads and inbound
// delivery receipts.
const (
	HeaderSignature          = "X-Signature"
	HeaderSignatureTimestamp = "X-Signature-Timestamp"
)

var (
	ErrSignatureMissing = errors.New("signature missing")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureExpired = errors.New("signature timestamp outside tolerance")
	ErrNoSigningSecret  = errors.New("no signing secret configured")
)

// CanonicalJSON encodes v with sorted object keys, no insignificant
// whitespace and no HTML escaping. Raw JSON input is re-encoded so equal
// documents always produce equal bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + canonical)).
func Sign(secret []byte, timestamp int64, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload canonicalizes payload and signs it at now. It returns the
// canonical bytes, the timestamp header value and the signature.
func SignPayload(secret []byte, payload any, now time.Time) ([]byte, string, string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, "", "", err
	}
	ts := now.Unix()
	return canonical, strconv.FormatInt(ts, 10), Sign(secret, ts, canonical), nil
}

// VerifySignature checks a signature over body. It fails closed: an empty
// secret, a missing header or a timestamp further than tolerance from now
// is an error.
func VerifySignature(secret []byte, timestampHeader, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if len(secret) == 0 {
		return ErrNoSigningSecret
	}
	if timestampHeader == "" || signature == "" {
		return ErrSignatureMissing
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrSignatureExpired
	}

	canonical, err := CanonicalJSON(body)
	if err != nil {
		return ErrSignatureInvalid
	}
	want, _ := hex.DecodeString(Sign(secret, ts, canonical))
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(want, got) {
		return ErrSignatureInvalid
	}
	return nil
}

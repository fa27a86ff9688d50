package webhookverify

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Algorithm names accepted by ComputeHMAC.
const (
	AlgoSHA1   = "sha1"
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
)

// Encoding names accepted by ComputeHMAC.
const (
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// ComputeHMAC signs data with the named algorithm and encodes the digest.
func ComputeHMAC(algorithm, encoding string, secret, data []byte) (string, error) {
	var newHash func() hash.Hash
	switch algorithm {
	case AlgoSHA1:
		newHash = sha1.New
	case AlgoSHA256, "":
		newHash = sha256.New
	case AlgoSHA512:
		newHash = sha512.New
	default:
		return "", fmt.Errorf("webhookverify: unknown algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, secret)
	mac.Write(data)
	sum := mac.Sum(nil)

	switch encoding {
	case EncodingHex, "":
		return hex.EncodeToString(sum), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(sum), nil
	default:
		return "", fmt.Errorf("webhookverify: unknown encoding %q", encoding)
	}
}

// SignaturesEqual compares in constant time.
func SignaturesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// StripPrefix removes a scheme prefix like "sha256=" when present.
func StripPrefix(signature, prefix string) string {
	if prefix != "" && strings.HasPrefix(signature, prefix) {
		return signature[len(prefix):]
	}
	return signature
}

// maxFutureSkew tolerates sender clocks running ahead.
const maxFutureSkew = 60 * time.Second

// CheckTimestamp validates a unix-seconds timestamp against the max age
// window, rejecting futures beyond the skew tolerance.
func CheckTimestamp(raw string, maxAge time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", raw)
	}
	t := time.Unix(ts, 0)
	if t.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("timestamp %d is in the future", ts)
	}
	if now.Sub(t) > maxAge {
		return fmt.Errorf("timestamp %d is older than %s", ts, maxAge)
	}
	return nil
}

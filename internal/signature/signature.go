// Package signature implements the HMAC-SHA256 webhook signing scheme.
//
// A signed header has the form "t=<unix>,v1=<hex>", where hex is
// HMAC-SHA256(secret, "<unix>." + body). Verification also accepts the
// reduced "v1=<hex>" and bare-hex forms, which sign the body alone.
// Timestamped signatures are rejected outside the anti-replay window
// regardless of HMAC validity.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxSkew is the default anti-replay window.
const MaxSkew = 300 * time.Second

// Sign produces the header value for body at the given Unix timestamp.
func Sign(secret string, body []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, hexDigest(secret, body, ts, true))
}

// Verify checks a signature header against body. It returns true only when
// the header parses, any embedded timestamp is within maxSkew of now, and
// the HMAC matches under constant-time comparison.
func Verify(secret string, body []byte, header string, now time.Time, maxSkew time.Duration) bool {
	if secret == "" || header == "" {
		return false
	}

	ts, sig, hasTS, ok := parseHeader(header)
	if !ok {
		return false
	}

	if hasTS {
		age := now.Unix() - ts
		if age < 0 {
			age = -age
		}
		if age > int64(maxSkew/time.Second) {
			return false
		}
	}

	want := hexDigest(secret, body, ts, hasTS)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sig)))
}

// parseHeader accepts "t=<ts>,v1=<hex>", "v1=<hex>", or bare hex.
func parseHeader(header string) (ts int64, sig string, hasTS, ok bool) {
	header = strings.TrimSpace(header)

	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", false, false
			}
			ts = n
			hasTS = true
		case "v1":
			sig = v
		}
	}

	if sig == "" && !strings.Contains(header, "=") {
		sig = header
	}
	if !isHex(sig) {
		return 0, "", false, false
	}

	return ts, sig, hasTS, true
}

func hexDigest(secret string, body []byte, ts int64, withTS bool) string {
	mac := hmac.New(sha256.New, []byte(secret))
	if withTS {
		fmt.Fprintf(mac, "%d.", ts)
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func isHex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

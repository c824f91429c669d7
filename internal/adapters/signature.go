package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"relaypoint/internal/config"
)

// SignatureHeader carries the HMAC signature on outbound chat webhook posts.
const SignatureHeader = "X-Relaypoint-Signature"

// SigningConfig holds the secrets used to sign outbound webhook payloads.
// PreviousSecret supports zero-downtime rotation: while the grace window is
// open the header carries a second signature computed with the old secret so
// receivers can verify against either.
type SigningConfig struct {
	Secret         string
	PreviousSecret string
	// PreviousExpiry closes the rotation grace window. A zero value with a
	// non-empty PreviousSecret omits the old signature entirely.
	PreviousExpiry time.Time
}

// Enabled reports whether payloads should be signed at all.
func (c SigningConfig) Enabled() bool { return c.Secret != "" }

// SigningFromConfig builds a SigningConfig from process configuration. A
// malformed expiry closes the rotation window rather than extending it.
func SigningFromConfig(cfg config.ChatConfig) SigningConfig {
	sc := SigningConfig{
		Secret:         cfg.SigningSecret.Unmask(),
		PreviousSecret: cfg.PreviousSigningSecret.Unmask(),
	}
	if cfg.PreviousSecretExpiry != "" {
		if t, err := time.Parse(time.RFC3339, cfg.PreviousSecretExpiry); err == nil {
			sc.PreviousExpiry = t
		}
	}
	return sc
}

// SignPayload produces the signature header value for a payload.
//
// The signed content is "{unix_timestamp}.{payload}" under HMAC-SHA256.
// Header format: t=<unix>,v1=<hex>[,v1_old=<hex>] where v1_old is present
// only while the previous secret's grace window is open.
func SignPayload(payload []byte, cfg SigningConfig, now time.Time) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("webhook signing: empty secret")
	}

	timestamp := now.Unix()
	signedContent := fmt.Sprintf("%d.%s", timestamp, payload)
	header := fmt.Sprintf("t=%d,v1=%s", timestamp, computeHMAC(signedContent, cfg.Secret))

	if cfg.PreviousSecret != "" && !cfg.PreviousExpiry.IsZero() && !now.After(cfg.PreviousExpiry) {
		header = fmt.Sprintf("%s,v1_old=%s", header, computeHMAC(signedContent, cfg.PreviousSecret))
	}
	return header, nil
}

// VerifyPayload checks a payload against a signature header. It accepts a
// match on v1 with either secret, or on v1_old with the previous secret, so
// both sides of a rotation can verify each other.
func VerifyPayload(payload []byte, header, secret, previousSecret string) bool {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || parts.v1 == "" {
		return false
	}

	signedContent := fmt.Sprintf("%s.%s", parts.timestamp, payload)

	if secret != "" && hmac.Equal([]byte(parts.v1), []byte(computeHMAC(signedContent, secret))) {
		return true
	}
	if previousSecret != "" {
		expected := computeHMAC(signedContent, previousSecret)
		if hmac.Equal([]byte(parts.v1), []byte(expected)) {
			return true
		}
		if parts.v1Old != "" && hmac.Equal([]byte(parts.v1Old), []byte(expected)) {
			return true
		}
	}
	return false
}

type signatureParts struct {
	timestamp string
	v1        string
	v1Old     string
}

func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			parts.timestamp = strings.TrimSpace(kv[1])
		case "v1":
			parts.v1 = strings.TrimSpace(kv[1])
		case "v1_old":
			parts.v1Old = strings.TrimSpace(kv[1])
		}
	}
	return parts
}

func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

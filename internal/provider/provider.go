// Package provider is the outbound email boundary. The pipeline only
// depends on the Mailer interface; AWS SES is the production implementation.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Message is one rendered digest ready to send.
type Message struct {
	To         string
	Subject    string
	HTMLBody   string
	ManifestID string
}

// SendResult reports the provider's answer for one message.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	SentAt            time.Time
	Err               error
}

// Mailer sends a single message. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// ValidateSignature checks a webhook's HMAC-SHA256 signature over its
// canonical form (timestamp concatenated with token). A constant-time
// comparison prevents timing probes against the signing key.
func ValidateSignature(signingKey, timestamp, token, signature string) bool {
	if signingKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignPayload produces the signature ValidateSignature expects; exported for
// webhook tests and local tooling.
func SignPayload(signingKey, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

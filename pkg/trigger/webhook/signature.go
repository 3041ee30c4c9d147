package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowbaker/flowguard/pkg/domain"
)

const (
	DefaultSignatureHeader    = "X-Flowguard-Signature"
	DefaultTimestampHeader    = "X-Flowguard-Timestamp"
	DefaultTimestampTolerance = 5 * time.Minute

	signatureVersion = "v0"
)

// Sign returns the signature header value for body sent at timestamp (unix seconds).
func Sign(secret string, timestamp int64, body []byte) string {
	return signatureVersion + "=" + hex.EncodeToString(computeMAC(secret, strconv.FormatInt(timestamp, 10), body))
}

// SignedHeaders returns the signature and timestamp headers using the default names.
func SignedHeaders(secret string, timestamp time.Time, body []byte) map[string]string {
	return map[string]string{
		DefaultSignatureHeader: Sign(secret, timestamp.Unix(), body),
		DefaultTimestampHeader: strconv.FormatInt(timestamp.Unix(), 10),
	}
}

func computeMAC(secret string, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify checks the signature and the replay window. It depends only on its arguments.
func Verify(config domain.WebhookTriggerConfig, body []byte, signatureHeader string, timestampHeader string, now time.Time) error {
	if signatureHeader == "" {
		return &domain.WebhookAuthenticationError{Reason: "missing signature"}
	}

	if timestampHeader == "" {
		return &domain.WebhookAuthenticationError{Reason: "missing timestamp"}
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return &domain.WebhookAuthenticationError{Reason: "invalid timestamp"}
	}

	provided, ok := strings.CutPrefix(signatureHeader, signatureVersion+"=")
	if !ok {
		return &domain.WebhookAuthenticationError{Reason: "invalid signature format"}
	}

	if _, err := hex.DecodeString(provided); err != nil {
		return &domain.WebhookAuthenticationError{Reason: "invalid signature format"}
	}

	// Compared as lowercase hex text so a case change is a mismatch too.
	expected := hex.EncodeToString(computeMAC(config.SharedSecret, timestampHeader, body))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return &domain.WebhookAuthenticationError{Reason: "signature mismatch"}
	}

	tolerance := config.TimestampTolerance
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}

	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}

	if skew > tolerance {
		return &domain.WebhookAuthenticationError{Reason: fmt.Sprintf("timestamp outside allowed window of %s", tolerance)}
	}

	return nil
}

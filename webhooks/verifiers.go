package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// DefaultSignatureTolerance bounds how old or skewed a signing timestamp may
// be before a timestamped webhook signature is rejected.
const DefaultSignatureTolerance = 5 * time.Minute

type Verifier interface {
	Verify(ctx context.Context, body []byte, headers map[string]string) error
}

// ProviderWebhookTemplate binds a provider id to the verifier its webhook
// traffic requires.
type ProviderWebhookTemplate struct {
	Provider string
	Verifier Verifier
}

// HeaderHMACVerifier checks an HMAC-SHA256 signature carried in a request
// header, computed over the raw body. Comparison is constant-time.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, body []byte, headers map[string]string) error {
	header := strings.TrimSpace(headerValue(headers, v.Header))
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("webhooks: decode base64 signature: %w", err)
		}
	default:
		decoded, err = hex.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("webhooks: decode hex signature: %w", err)
		}
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// SignedTimestampVerifier checks a base64 HMAC-SHA256 signature computed
// over "<timestamp>.<body>". The signing timestamp travels in its own header
// and must fall within Tolerance of the current time, so a replayed capture
// goes stale once the window closes.
type SignedTimestampVerifier struct {
	SignatureHeader string
	TimestampHeader string
	Secret          string
	Tolerance       time.Duration
	Now             func() time.Time
}

func (v SignedTimestampVerifier) Verify(_ context.Context, body []byte, headers map[string]string) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(headerValue(headers, v.SignatureHeader))
	if signature == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.SignatureHeader))
	}
	rawTimestamp := strings.TrimSpace(headerValue(headers, v.TimestampHeader))
	if rawTimestamp == "" {
		return fmt.Errorf("webhooks: %s timestamp header is required", strings.TrimSpace(v.TimestampHeader))
	}
	unix, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("webhooks: parse signature timestamp: %w", err)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	drift := now().UTC().Sub(time.Unix(unix, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fmt.Errorf("webhooks: signature timestamp outside tolerance window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(rawTimestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("webhooks: decode base64 signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// HeaderTokenVerifier checks a shared verification token carried in a
// request header.
type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, _ []byte, headers map[string]string) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := strings.TrimSpace(headerValue(headers, v.Header))
	if actual == "" {
		return fmt.Errorf("webhooks: %s verification header is required", strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

// NewWhatsAppWebhookTemplate verifies the hex-encoded X-Hub-Signature-256
// header carried by WhatsApp Cloud API callbacks.
func NewWhatsAppWebhookTemplate(appSecret string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: "whatsapp_cloud",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(appSecret),
			Encoding: "hex",
		},
	}
}

// NewEmailWebhookTemplate verifies the base64 timestamped signature the
// email delivery provider sends with its event callbacks.
func NewEmailWebhookTemplate(signingKey string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: "email_gateway",
		Verifier: SignedTimestampVerifier{
			SignatureHeader: "X-Email-Signature",
			TimestampHeader: "X-Email-Timestamp",
			Secret:          strings.TrimSpace(signingKey),
			Tolerance:       DefaultSignatureTolerance,
		},
	}
}

// NewSMSWebhookTemplate verifies the shared token the SMS gateway echoes on
// every status callback.
func NewSMSWebhookTemplate(token string) ProviderWebhookTemplate {
	return ProviderWebhookTemplate{
		Provider: "sms_gateway",
		Verifier: HeaderTokenVerifier{
			Header: "X-Gateway-Token",
			Token:  strings.TrimSpace(token),
		},
	}
}

// VerificationFailure wraps a verifier failure into the typed taxonomy error
// for a given channel/provider pair.
func VerificationFailure(channel core.Channel, provider string, cause error) *core.VerificationError {
	return &core.VerificationError{
		Channel:  channel,
		Provider: provider,
		Cause:    cause,
	}
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

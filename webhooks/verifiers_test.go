package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signTimestamped(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHeaderHMACVerifierHex(t *testing.T) {
	body := []byte(`{"status":"delivered"}`)
	verifier := HeaderHMACVerifier{
		Header:   "X-Hub-Signature-256",
		Prefix:   "sha256=",
		Secret:   "app-secret",
		Encoding: "hex",
	}

	headers := map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("app-secret", body)}
	if err := verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	// Header lookup must be case-insensitive.
	headers = map[string]string{"x-hub-signature-256": "sha256=" + signHex("app-secret", body)}
	if err := verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("expected case-insensitive header match, got %v", err)
	}

	headers = map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("wrong-secret", body)}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected signature mismatch")
	}

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01
	headers = map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("app-secret", body)}
	if err := verifier.Verify(context.Background(), tampered, headers); err == nil {
		t.Fatal("expected tampered body to fail verification")
	}

	if err := verifier.Verify(context.Background(), body, nil); err == nil {
		t.Fatal("expected missing header to fail verification")
	}
}

func TestHeaderHMACVerifierBase64(t *testing.T) {
	body := []byte(`{"event":"bounce"}`)
	verifier := HeaderHMACVerifier{
		Header:   "X-Email-Signature",
		Secret:   "signing-key",
		Encoding: "base64",
	}

	headers := map[string]string{"X-Email-Signature": signBase64("signing-key", body)}
	if err := verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	headers = map[string]string{"X-Email-Signature": "not base64!!"}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected undecodable signature to fail")
	}
}

func TestSignedTimestampVerifier(t *testing.T) {
	body := []byte(`{"event":"delivered"}`)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	verifier := SignedTimestampVerifier{
		SignatureHeader: "X-Email-Signature",
		TimestampHeader: "X-Email-Timestamp",
		Secret:          "signing-key",
		Tolerance:       5 * time.Minute,
		Now:             func() time.Time { return now },
	}

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	headers := map[string]string{
		"X-Email-Signature": signTimestamped("signing-key", fresh, body),
		"X-Email-Timestamp": fresh,
	}
	if err := verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("expected fresh signature accepted, got %v", err)
	}

	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	headers = map[string]string{
		"X-Email-Signature": signTimestamped("signing-key", stale, body),
		"X-Email-Timestamp": stale,
	}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected stale timestamp to fail verification")
	}

	// The timestamp is part of the signed input, so it cannot be rewritten
	// to pull a captured signature back inside the window.
	headers = map[string]string{
		"X-Email-Signature": signTimestamped("signing-key", stale, body),
		"X-Email-Timestamp": fresh,
	}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected rewritten timestamp to fail verification")
	}

	headers = map[string]string{"X-Email-Signature": signTimestamped("signing-key", fresh, body)}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected missing timestamp header to fail verification")
	}

	headers = map[string]string{
		"X-Email-Signature": signTimestamped("other-key", fresh, body),
		"X-Email-Timestamp": fresh,
	}
	if err := verifier.Verify(context.Background(), body, headers); err == nil {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestHeaderTokenVerifier(t *testing.T) {
	verifier := HeaderTokenVerifier{Header: "X-Gateway-Token", Token: "shared-token"}

	headers := map[string]string{"X-Gateway-Token": "shared-token"}
	if err := verifier.Verify(context.Background(), nil, headers); err != nil {
		t.Fatalf("expected token match, got %v", err)
	}

	headers = map[string]string{"X-Gateway-Token": "other"}
	if err := verifier.Verify(context.Background(), nil, headers); err == nil {
		t.Fatal("expected token mismatch")
	}

	if err := verifier.Verify(context.Background(), nil, nil); err == nil {
		t.Fatal("expected missing header to fail")
	}
}

func TestProviderWebhookTemplates(t *testing.T) {
	body := []byte(`{"ping":true}`)

	whatsapp := NewWhatsAppWebhookTemplate("meta-secret")
	headers := map[string]string{"X-Hub-Signature-256": "sha256=" + signHex("meta-secret", body)}
	if err := whatsapp.Verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("whatsapp template: %v", err)
	}

	email := NewEmailWebhookTemplate("mail-key")
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	headers = map[string]string{
		"X-Email-Signature": signTimestamped("mail-key", timestamp, body),
		"X-Email-Timestamp": timestamp,
	}
	if err := email.Verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("email template: %v", err)
	}

	sms := NewSMSWebhookTemplate("sms-token")
	headers = map[string]string{"X-Gateway-Token": "sms-token"}
	if err := sms.Verifier.Verify(context.Background(), body, headers); err != nil {
		t.Fatalf("sms template: %v", err)
	}
}

func TestExponentialRetryPolicy(t *testing.T) {
	policy := ExponentialRetryPolicy{Initial: 30 * time.Second, Max: 30 * time.Minute}
	cases := []struct {
		attempt int
		want    int64
	}{
		{1, 30},
		{2, 60},
		{3, 120},
		{6, 960},
		{7, 1800},
		{12, 1800},
	}
	for _, tc := range cases {
		if got := policy.NextDelay(tc.attempt).Milliseconds() / 1000; got != tc.want {
			t.Fatalf("attempt %d: expected %ds, got %ds", tc.attempt, tc.want, got)
		}
	}
}

package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// KeyRotationWindow gates when a vault key is allowed to operate.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

type FailoverDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Outcome    string
	Error      string
}

type FailoverDiagnosticHook func(event FailoverDiagnostic)

type FailoverOption func(*FailoverVault)

func WithDiagnosticHook(hook FailoverDiagnosticHook) FailoverOption {
	return func(v *FailoverVault) {
		if hook != nil {
			v.hook = hook
		}
	}
}

func WithRotationWindow(window KeyRotationWindow) FailoverOption {
	return func(v *FailoverVault) {
		v.window = &window
	}
}

// FailoverVault supports credential key rotation: new ciphertext is sealed
// with the primary key while decrypt falls back to the previous key when the
// primary cannot open the payload. Integrity failures on BOTH keys surface
// as a single integrity error.
type FailoverVault struct {
	primary  core.SecretProvider
	previous core.SecretProvider
	window   *KeyRotationWindow
	hook     FailoverDiagnosticHook
	now      func() time.Time
}

func NewFailoverVault(primary, previous core.SecretProvider, opts ...FailoverOption) (*FailoverVault, error) {
	if primary == nil {
		return nil, fmt.Errorf("security: primary vault is required")
	}
	vault := &FailoverVault{
		primary:  primary,
		previous: previous,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(vault)
	}
	return vault, nil
}

func (v *FailoverVault) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: vault is nil")
	}
	if err := v.checkWindow("encrypt"); err != nil {
		return nil, err
	}
	out, err := v.primary.Encrypt(ctx, plaintext)
	v.emit("encrypt", err)
	return out, err
}

func (v *FailoverVault) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: vault is nil")
	}
	if err := v.checkWindow("decrypt"); err != nil {
		return nil, err
	}

	plaintext, primaryErr := v.primary.Decrypt(ctx, ciphertext)
	if primaryErr == nil {
		v.emit("decrypt", nil)
		return plaintext, nil
	}
	if v.previous == nil {
		v.emit("decrypt", primaryErr)
		return nil, primaryErr
	}

	plaintext, previousErr := v.previous.Decrypt(ctx, ciphertext)
	if previousErr == nil {
		v.emit("decrypt.fallback", nil)
		return plaintext, nil
	}
	v.emit("decrypt.fallback", previousErr)

	var integrityErr *core.IntegrityError
	if errors.As(primaryErr, &integrityErr) && errors.As(previousErr, &integrityErr) {
		return nil, &core.IntegrityError{
			Message: "no configured key opens the payload",
			Cause:   previousErr,
		}
	}
	return nil, primaryErr
}

// Reencrypt opens a payload with whichever key still holds it and seals it
// again under the primary key. Used by rotation sweeps.
func (v *FailoverVault) Reencrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	plaintext, err := v.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	return v.Encrypt(ctx, plaintext)
}

func (v *FailoverVault) checkWindow(operation string) error {
	if v.window == nil {
		return nil
	}
	if v.window.Allows(v.now()) {
		return nil
	}
	err := fmt.Errorf("security: key rotation window closed for %s", operation)
	v.emit(operation, err)
	return err
}

func (v *FailoverVault) emit(operation string, err error) {
	if v == nil || v.hook == nil {
		return
	}
	event := FailoverDiagnostic{
		OccurredAt: v.now(),
		Operation:  operation,
		Outcome:    "success",
	}
	if err != nil {
		event.Outcome = "failure"
		event.Error = err.Error()
	}
	v.hook(event)
}

var _ core.SecretProvider = (*FailoverVault)(nil)

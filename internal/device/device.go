// Package device exposes device capabilities consumed by the switch flows.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/securestore"
)

// BiometricResult is the outcome of a prompt.
type BiometricResult struct {
	Success bool
	Reason  string
}

// Biometric is the biometric sensor.
type Biometric interface {
	HasHardware() bool
	IsEnrolled() bool
	Authenticate(ctx context.Context, prompt string) (BiometricResult, error)
}

// Connectivity reports network reachability.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// NoBiometric is a device without biometric hardware.
type NoBiometric struct{}

func (NoBiometric) HasHardware() bool { return false }
func (NoBiometric) IsEnrolled() bool  { return false }
func (NoBiometric) Authenticate(context.Context, string) (BiometricResult, error) {
	return BiometricResult{}, errs.ErrBiometricUnavailable
}

// AlwaysOnline assumes the network is reachable.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline(context.Context) bool { return true }

// Available reports whether b can prompt. Missing hardware or enrollment is not an error.
func Available(b Biometric) bool {
	return b != nil && b.HasHardware() && b.IsEnrolled()
}

// KeyFingerprint is the storage key of the device fingerprint.
const KeyFingerprint = "device.fingerprint"

// machineIDPaths are read in order; the first non-empty one seeds the fingerprint.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"}

// Fingerprint returns a stable, opaque device identifier. It is derived once from
// the host machine ID, or a random UUID when none is readable, and kept in st.
func Fingerprint(ctx context.Context, st securestore.Storage) (string, error) {
	if v, ok, err := st.GetString(ctx, KeyFingerprint); err != nil {
		return "", fmt.Errorf("load fingerprint: %w", err)
	} else if ok && v != "" {
		return v, nil
	}

	seed := ""
	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if s := strings.TrimSpace(string(b)); s != "" {
				seed = s
				break
			}
		}
	}
	if seed == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		seed = id.String()
	}
	sum := sha256.Sum256([]byte("gkid-device:" + seed))
	fp := hex.EncodeToString(sum[:16])
	if err := st.SetString(ctx, KeyFingerprint, fp); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrStorageWrite, err)
	}
	return fp, nil
}

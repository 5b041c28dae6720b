// Package identity persists the currently selected wearable: its stable
// address and human-readable name. An empty address means no device is
// selected; absence is a valid state, not an error.
package identity

import "errors"

// Preference keys, shared by every Store implementation.
const (
	KeyAddress = "defaultDeviceAddress"
	KeyName    = "defaultDeviceName"
)

// DefaultScope is the preference scope used when none is configured.
const DefaultScope = "watchlink"

// ErrPersistence wraps every failure to durably write the identity.
// A selection is not committed until the write succeeds.
var ErrPersistence = errors.New("identity: persistence failure")

// Identity is the selected device.
type Identity struct {
	Address string
	Name    string
}

// Empty reports whether no device is selected.
func (id Identity) Empty() bool {
	return id.Address == ""
}

// Store persists the current Identity. Writes are durable before returning
// and idempotent.
type Store interface {
	// Get returns the persisted identity, or the zero Identity if none.
	Get() (Identity, error)
	// Set persists id, replacing any previous identity.
	Set(id Identity) error
	// Clear removes the persisted identity.
	Clear() error
}

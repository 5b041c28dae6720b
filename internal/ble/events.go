package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/watchlink/internal/protocol"
)

// OutcomeKind is the result of a link attempt or the fate of a live link.
type OutcomeKind int

const (
	// OutcomeConnected: the attempt established a link.
	OutcomeConnected OutcomeKind = iota
	// OutcomeFailed: the attempt did not establish a link.
	OutcomeFailed
	// OutcomeLost: an established link dropped without being asked to.
	OutcomeLost
	// OutcomeDisconnected: confirms a requested disconnect.
	OutcomeDisconnected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConnected:
		return "connected"
	case OutcomeFailed:
		return "failed"
	case OutcomeLost:
		return "lost"
	case OutcomeDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is delivered through Handler.OnLinkOutcome.
type Outcome struct {
	Kind OutcomeKind
	Err  error // set for OutcomeFailed and sometimes OutcomeLost
}

// ErrSuperseded marks a connect attempt that finished after it was
// cancelled by a newer connect or a disconnect.
var ErrSuperseded = errors.New("ble: connect attempt superseded")

// FaultError is returned by adapters for radio-subsystem-fatal conditions.
type FaultError struct {
	Remedy protocol.Remedy
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("ble: radio fault (%s): %v", e.Remedy, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// faultRemedy reports whether err is a radio fault and which remedy applies.
func faultRemedy(err error) (protocol.Remedy, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe.Remedy, true
	}
	return protocol.RemedyNone, false
}

// Handler receives everything the discovery layer reports. Callbacks arrive
// on discovery goroutines, never on the goroutine that issued the request,
// so a handler may marshal them into its own serial context.
type Handler interface {
	OnDiscovered(dev Device)
	OnUndiscovered(mac string)
	OnScanStarted()
	OnScanStopped()
	// OnLinkOutcome reports the outcome of attempt for mac. attempt echoes
	// the tag passed to Connect or Disconnect.
	OnLinkOutcome(mac string, attempt uint64, outcome Outcome)
	OnRadioFault(remedy protocol.Remedy)
	OnBattery(mac string, percent int)
	OnLocalName(mac string, name string)
}

// NopHandler ignores every event. Embed it to implement part of Handler.
type NopHandler struct{}

func (NopHandler) OnDiscovered(Device)                   {}
func (NopHandler) OnUndiscovered(string)                 {}
func (NopHandler) OnScanStarted()                        {}
func (NopHandler) OnScanStopped()                        {}
func (NopHandler) OnLinkOutcome(string, uint64, Outcome) {}
func (NopHandler) OnRadioFault(protocol.Remedy)          {}
func (NopHandler) OnBattery(string, int)                 {}
func (NopHandler) OnLocalName(string, string)            {}

var _ Handler = NopHandler{}

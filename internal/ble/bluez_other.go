//go:build !linux

package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/watchlink/internal/protocol"
)

var errNoBlueZ = errors.New("ble: bluez backend is only available on linux")

// BlueZAdapter is unavailable off linux; every operation fails.
type BlueZAdapter struct{}

// NewBlueZAdapter returns an adapter whose Enable reports a radio fault.
func NewBlueZAdapter(string) *BlueZAdapter { return &BlueZAdapter{} }

func (*BlueZAdapter) Enable() error {
	return &FaultError{Remedy: protocol.RemedyRestartHost, Err: errNoBlueZ}
}

func (*BlueZAdapter) Scan(context.Context, string, func(Device)) error { return errNoBlueZ }

func (*BlueZAdapter) Connect(context.Context, string) (Connection, error) { return nil, errNoBlueZ }

func (*BlueZAdapter) Bonded() ([]Device, error) { return nil, errNoBlueZ }

var _ Adapter = (*BlueZAdapter)(nil)

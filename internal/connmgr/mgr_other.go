//go:build !linux

package connmgr

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("connmgr: BlueZ is only available on linux")

// New returns a manager whose methods all fail: BlueZ exists only on Linux.
func New() Mgr { return unsupported{} }

type unsupported struct{}

func (unsupported) Adapter(context.Context) (Adapter, error) { return Adapter{}, errUnsupported }

func (unsupported) SetAlias(context.Context, string) error { return errUnsupported }

func (unsupported) StartServer(context.Context, ServerOptions) error { return errUnsupported }

func (unsupported) Accept(context.Context) (int, Device, error) { return 0, Device{}, errUnsupported }

func (unsupported) ScanSPP(context.Context) ([]Device, error) { return nil, errUnsupported }

func (unsupported) Connect(context.Context, Device) (int, error) { return 0, errUnsupported }

func (unsupported) Close() error { return nil }

//go:build !reconic || !cgo

package reconic

import (
	"context"
	"fmt"

	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
)

// Available reports whether the hardware backend is compiled in
const Available = false

// Device is a placeholder for builds without the RecoNIC library
type Device struct {
	cfg Config
}

// New creates a device whose Open always fails
func New(cfg Config) *Device {
	return &Device{cfg: cfg}
}

func unavailable() error {
	return fmt.Errorf("%w: rebuild with -tags reconic and CGO_ENABLED=1", rdma.ErrBackendUnavailable)
}

func (d *Device) Name() string                        { return d.cfg.DevicePath }
func (d *Device) Open(rdma.EngineAttr) error          { return unavailable() }
func (d *Device) AllocPD(uint32) error                { return unavailable() }
func (d *Device) FreeBuffer(*rdma.Buffer) error       { return unavailable() }
func (d *Device) DeregisterMR(uint32) error           { return unavailable() }
func (d *Device) AllocQP(rdma.QPAttr) error           { return unavailable() }
func (d *Device) DestroyQP(uint32) error              { return unavailable() }
func (d *Device) SetRQPSN(uint32, uint32) error       { return unavailable() }
func (d *Device) SetSQPSN(uint32, uint32) error       { return unavailable() }
func (d *Device) PostWQE(uint32, rdma.WQE) error      { return unavailable() }
func (d *Device) ReadDMA(*rdma.Buffer, []byte) error  { return unavailable() }
func (d *Device) WriteDMA(*rdma.Buffer, []byte) error { return unavailable() }
func (d *Device) Registers() regs.Space               { return nil }
func (d *Device) Close() error                        { return nil }

func (d *Device) AllocBuffer(int, rdma.Location) (*rdma.Buffer, error) {
	return nil, unavailable()
}

func (d *Device) RegisterMR(uint32, uint32, *rdma.Buffer) error {
	return unavailable()
}

func (d *Device) PostSend(context.Context, uint32) error {
	return unavailable()
}

var _ rdma.Device = (*Device)(nil)

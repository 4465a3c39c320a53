package rdma

import (
	"context"

	"github.com/yuuki/rnread/internal/regs"
)

// Device is the capability an RDMA engine exposes to a session.
//
// Every method is a blocking call. PostSend is the only one that waits on
// the network; it returns once the local side has observed completion of
// every WQE queued on the QP, or when ctx is done.
type Device interface {
	// Name identifies the device in logs
	Name() string
	// Open configures the engine and its control-plane buffers
	Open(attr EngineAttr) error
	AllocBuffer(size int, loc Location) (*Buffer, error)
	FreeBuffer(buf *Buffer) error
	AllocPD(index uint32) error
	// RegisterMR registers buf in the protection domain under key
	RegisterMR(pd uint32, key uint32, buf *Buffer) error
	DeregisterMR(key uint32) error
	AllocQP(attr QPAttr) error
	DestroyQP(id uint32) error
	// SetRQPSN sets the last received PSN of a QP
	SetRQPSN(qpID uint32, psn uint32) error
	// SetSQPSN sets the next PSN a QP sends with
	SetSQPSN(qpID uint32, psn uint32) error
	PostWQE(qpID uint32, wqe WQE) error
	PostSend(ctx context.Context, qpID uint32) error
	// ReadDMA copies len(p) bytes from the start of buf into p
	ReadDMA(buf *Buffer, p []byte) error
	// WriteDMA copies p to the start of buf
	WriteDMA(buf *Buffer, p []byte) error
	// Registers exposes the engine register space for diagnostics
	Registers() regs.Space
	Close() error
}

package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/verify"
)

// Params are the per-run settings both roles share
type Params struct {
	SrcIP       net.IP
	DstIP       net.IP
	SrcMAC      rdma.MAC
	PeerMAC     rdma.MAC
	TCPPort     uint16
	UDPPort     uint16
	PeerUDPPort uint16

	PayloadSize int
	QPID        uint32
	DstQPID     uint32
	Location    rdma.Location
	QPDepth     int

	RKey    uint32
	PKey    uint32
	PSNSeed uint32

	ConnectAttempts int
	ConnectInterval time.Duration
	DoneTimeout     time.Duration
	PostTimeout     time.Duration
	// WaitEnter makes the server wait for a line on Stdin instead of the
	// client's completion message
	WaitEnter bool
	Stdin     io.Reader

	MaxMismatchReport int
	CoordTOS          int
	Debug             bool

	// Out receives the human-readable report
	Out io.Writer
}

func (p *Params) withDefaults() Params {
	c := *p
	if c.QPDepth == 0 {
		c.QPDepth = rdma.DefaultQPDepth
	}
	if c.DstQPID == 0 {
		c.DstQPID = c.QPID
	}
	if c.PeerUDPPort == 0 {
		c.PeerUDPPort = c.UDPPort
	}
	if c.MaxMismatchReport == 0 {
		c.MaxMismatchReport = verify.DefaultMaxReport
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	return c
}

// Session owns the device resources of one side of a run and brings its
// QP to the Ready state. Close releases everything it acquired.
type Session struct {
	dev    rdma.Device
	params Params
	lc     rdma.Lifecycle

	buf          *rdma.Buffer
	mrRegistered bool
	closed       bool

	// afterRead, when set, sees the received bytes before verification
	afterRead func(p []byte)
}

// New creates a session over dev. The device must not be open yet.
func New(dev rdma.Device, p Params) *Session {
	return &Session{dev: dev, params: p.withDefaults()}
}

// State returns the QP lifecycle state
func (s *Session) State() rdma.State {
	return s.lc.State()
}

// Buffer returns the registered data buffer, or nil before registration
func (s *Session) Buffer() *rdma.Buffer {
	return s.buf
}

// Device returns the underlying device
func (s *Session) Device() rdma.Device {
	return s.dev
}

// Open configures the engine with the local addresses
func (s *Session) Open() error {
	if err := s.lc.Require(rdma.StateUninitialized); err != nil {
		return err
	}
	if err := s.dev.Open(rdma.EngineAttr{SrcMAC: s.params.SrcMAC, SrcIP: s.params.SrcIP, UDPPort: s.params.UDPPort}); err != nil {
		return fmt.Errorf("failed to open RDMA device %s: %w", s.dev.Name(), err)
	}
	log.Debug().Str("device", s.dev.Name()).Msg("RDMA device opened")
	return s.lc.Advance(rdma.StateDeviceOpen)
}

// AllocPD allocates the single protection domain
func (s *Session) AllocPD() error {
	if err := s.lc.Require(rdma.StateDeviceOpen); err != nil {
		return err
	}
	if err := s.dev.AllocPD(rdma.DefaultPDIndex); err != nil {
		return fmt.Errorf("failed to allocate PD %d: %w", rdma.DefaultPDIndex, err)
	}
	log.Debug().Uint32("pd", rdma.DefaultPDIndex).Msg("Protection domain allocated")
	return s.lc.Advance(rdma.StatePDAllocated)
}

// RegisterBuffer allocates the data buffer, runs prepare on it and registers
// it under the shared access key. prepare may be nil.
func (s *Session) RegisterBuffer(prepare func(buf *rdma.Buffer) error) error {
	if err := s.lc.Require(rdma.StatePDAllocated); err != nil {
		return err
	}
	buf, err := s.dev.AllocBuffer(s.params.PayloadSize, s.params.Location)
	if err != nil {
		return fmt.Errorf("failed to allocate %d byte %s buffer: %w", s.params.PayloadSize, s.params.Location, err)
	}
	s.buf = buf
	if prepare != nil {
		if err := prepare(buf); err != nil {
			return err
		}
	}
	if err := s.dev.RegisterMR(rdma.DefaultPDIndex, s.params.RKey, buf); err != nil {
		return fmt.Errorf("failed to register buffer with key 0x%x: %w", s.params.RKey, err)
	}
	s.mrRegistered = true
	log.Debug().
		Str("va", fmt.Sprintf("0x%x", buf.VA)).
		Str("dma", fmt.Sprintf("0x%x", buf.DMA)).
		Int("size", buf.Size).
		Str("location", buf.Location.String()).
		Msg("Buffer registered")
	return s.lc.Advance(rdma.StateBufferRegistered)
}

// AllocQP binds the QP to the peer, the PD and the registered buffer
func (s *Session) AllocQP() error {
	if err := s.lc.Require(rdma.StateBufferRegistered); err != nil {
		return err
	}
	attr := rdma.QPAttr{
		ID:          s.params.QPID,
		RemoteID:    s.params.DstQPID,
		PD:          rdma.DefaultPDIndex,
		BufferBase:  s.buf.DMA,
		AuxBase:     s.buf.DMA + rdma.AuxOffset,
		Depth:       s.params.QPDepth,
		Location:    s.params.Location,
		PeerMAC:     s.params.PeerMAC,
		PeerIP:      s.params.DstIP,
		PeerUDPPort: s.params.PeerUDPPort,
		PKey:        s.params.PKey,
		RKey:        s.params.RKey,
	}
	if err := s.dev.AllocQP(attr); err != nil {
		return fmt.Errorf("failed to allocate QP %d: %w", attr.ID, err)
	}
	log.Debug().
		Uint32("qp_id", attr.ID).
		Uint32("dst_qp_id", attr.RemoteID).
		Str("peer_ip", attr.PeerIP.String()).
		Str("peer_mac", attr.PeerMAC.String()).
		Uint16("peer_udp_port", attr.PeerUDPPort).
		Msg("QP allocated")
	return s.lc.Advance(rdma.StateQPAllocated)
}

// InitPSN sets the receive PSN to the seed and the send PSN to seed+1
func (s *Session) InitPSN() error {
	if err := s.lc.Require(rdma.StateQPAllocated); err != nil {
		return err
	}
	rq := s.params.PSNSeed & rdma.PSNMask
	sq := (s.params.PSNSeed + 1) & rdma.PSNMask
	if err := s.dev.SetRQPSN(s.params.QPID, rq); err != nil {
		return fmt.Errorf("failed to set receive PSN: %w", err)
	}
	if err := s.dev.SetSQPSN(s.params.QPID, sq); err != nil {
		return fmt.Errorf("failed to set send PSN: %w", err)
	}
	log.Debug().Uint32("rq_psn", rq).Uint32("sq_psn", sq).Msg("QP ready")
	return s.lc.Advance(rdma.StateReady)
}

// Setup runs every remaining step up to Ready
func (s *Session) Setup(prepare func(buf *rdma.Buffer) error) error {
	steps := []struct {
		from rdma.State
		run  func() error
	}{
		{rdma.StateUninitialized, s.Open},
		{rdma.StateDeviceOpen, s.AllocPD},
		{rdma.StatePDAllocated, func() error { return s.RegisterBuffer(prepare) }},
		{rdma.StateBufferRegistered, s.AllocQP},
		{rdma.StateQPAllocated, s.InitPSN},
	}
	for _, step := range steps {
		if s.lc.State() != step.from {
			continue
		}
		if err := step.run(); err != nil {
			return err
		}
	}
	return s.lc.Require(rdma.StateReady)
}

// Close tears down the QP, the memory region, the buffer and the device in
// that order. It is safe to call more than once and after a failed setup.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.lc.State() >= rdma.StateQPAllocated {
		if err := s.dev.DestroyQP(s.params.QPID); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy QP %d: %w", s.params.QPID, err))
		}
	}
	if s.mrRegistered {
		if err := s.dev.DeregisterMR(s.params.RKey); err != nil {
			errs = append(errs, fmt.Errorf("failed to deregister key 0x%x: %w", s.params.RKey, err))
		}
	}
	if s.buf != nil {
		if err := s.dev.FreeBuffer(s.buf); err != nil {
			errs = append(errs, fmt.Errorf("failed to free buffer: %w", err))
		}
	}
	if err := s.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close device: %w", err))
	}
	log.Debug().Str("device", s.dev.Name()).Str("state", s.lc.State().String()).Msg("Session closed")
	return errors.Join(errs...)
}

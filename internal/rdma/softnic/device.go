// Package softnic is a software RDMA engine. It implements rdma.Device by
// exchanging RoCE-style READ request and response packets over UDP, with a
// receive goroutine standing in for the NIC's packet pipeline.
package softnic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"
)

// Name is the backend name used in configuration
const Name = "soft"

const (
	pageSize    = 4096
	hostVABase  = 0x7f00_0000_0000
	hostDMABase = 0x0001_0000_0000
	devBase     = 0x0004_0000_0000

	qpConfEnable = 1 << 0
	qpConfDevMem = 1 << 4

	// windowSegments is the most response segments one READ request asks for.
	// Longer work requests are issued as consecutive windows.
	windowSegments = 64
	// socketBuffer is the requested kernel buffer size of the engine socket
	socketBuffer = 4 << 20
)

// Defaults for the requester's retransmission and the responder's pacing
const (
	DefaultRetransmitTimeout = 100 * time.Millisecond
	DefaultRetryCount        = 7
	DefaultPacketRate        = 250_000
)

// Device is a software RDMA engine
type Device struct {
	name       string
	tos        int
	packetRate int
	retransmit time.Duration
	retries    int
	limiter    ratelimit.Limiter
	// dropResponse discards outgoing READ response segments. Tests only.
	dropResponse func(psn uint32) bool

	mu       sync.Mutex
	conn     *net.UDPConn
	attr     rdma.EngineAttr
	regs     *regs.Mem
	nextHost uint64
	nextDev  uint64
	allocs   []*allocation
	pds      map[uint32]struct{}
	mrs      map[uint32]*memoryRegion
	qps      map[uint32]*queuePair
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Device
type Option func(*Device)

// WithName sets the device name reported in logs
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// WithTOS sets the IP TOS byte of engine packets
func WithTOS(tos int) Option {
	return func(d *Device) {
		d.tos = tos
	}
}

// WithPacketRate paces READ response segments to pps packets per second.
// Zero or less sends unpaced.
func WithPacketRate(pps int) Option {
	return func(d *Device) {
		d.packetRate = pps
	}
}

// WithRetransmit sets how long the requester waits for progress before
// re-requesting, and how many times it does so before failing the READ
func WithRetransmit(timeout time.Duration, retries int) Option {
	return func(d *Device) {
		d.retransmit = timeout
		d.retries = retries
	}
}

type allocation struct {
	buf *rdma.Buffer
	mem []byte
}

func (a *allocation) containsDMA(addr uint64, length int) bool {
	if length < 0 || addr < a.buf.DMA {
		return false
	}
	end := addr + uint64(length)
	return end >= addr && end <= a.buf.DMA+uint64(a.buf.Size)
}

type memoryRegion struct {
	pd    uint32
	alloc *allocation
}

type queuePair struct {
	attr      rdma.QPAttr
	peer      *net.UDPAddr
	local     *allocation
	lastRQPSN uint32
	// lastReadPSN is the first PSN of the last READ served. Requests from
	// there up to lastRQPSN are duplicates and are served again.
	lastReadPSN uint32
	served      bool
	sqPSN       uint32
	msn         uint32
	sq          []rdma.WQE
	pending     *readRequest
}

// readRequest is one window of a READ in flight on the requester
type readRequest struct {
	dst      []byte
	remote   uint64
	rkey     uint32
	firstPSN uint32
	nextPSN  uint32
	// reqPSN is the PSN of the most recent request packet for this window
	reqPSN   uint32
	segments int
	received int
	done     chan error
}

// New creates an unopened software engine
func New(opts ...Option) *Device {
	d := &Device{
		name:       "softnic",
		packetRate: DefaultPacketRate,
		retransmit: DefaultRetransmitTimeout,
		retries:    DefaultRetryCount,
		regs:       regs.NewMem(regs.MapSize),
		pds:        make(map[uint32]struct{}),
		mrs:        make(map[uint32]*memoryRegion),
		qps:        make(map[uint32]*queuePair),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.limiter = ratelimit.NewUnlimited()
	if d.packetRate > 0 {
		d.limiter = ratelimit.New(d.packetRate)
	}
	return d
}

func (d *Device) Name() string {
	return d.name
}

// Open binds the engine socket and starts packet processing
func (d *Device) Open(attr rdma.EngineAttr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return rdma.ErrDeviceClosed
	}
	if d.conn != nil {
		return fmt.Errorf("device %s already open", d.name)
	}
	if attr.SrcIP.To4() == nil {
		return fmt.Errorf("engine source address %s is not IPv4", attr.SrcIP)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: attr.SrcIP, Port: int(attr.UDPPort)})
	if err != nil {
		return fmt.Errorf("failed to bind engine socket %s:%d: %w", attr.SrcIP, attr.UDPPort, err)
	}
	if err := conn.SetReadBuffer(socketBuffer); err != nil {
		log.Debug().Err(err).Str("device", d.name).Msg("Failed to size engine receive buffer")
	}
	if err := conn.SetWriteBuffer(socketBuffer); err != nil {
		log.Debug().Err(err).Str("device", d.name).Msg("Failed to size engine send buffer")
	}
	if d.tos != 0 {
		if err := ipv4.NewConn(conn).SetTOS(d.tos); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set TOS on engine socket: %w", err)
		}
	}
	attr.UDPPort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	d.conn = conn
	d.attr = attr
	d.mirrorEngine()

	d.wg.Add(1)
	go d.receive(conn)

	log.Debug().
		Str("device", d.name).
		Str("src_ip", attr.SrcIP.String()).
		Str("src_mac", attr.SrcMAC.String()).
		Uint16("udp_port", attr.UDPPort).
		Msg("Software RDMA engine opened")
	return nil
}

// LocalAddr returns the bound engine address, or nil before Open
func (d *Device) LocalAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *Device) AllocBuffer(size int, loc rdma.Location) (*rdma.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, rdma.ErrDeviceClosed
	}

	span := uint64((size + pageSize - 1) / pageSize * pageSize)
	mem := make([]byte, size)
	var buf *rdma.Buffer
	switch loc {
	case rdma.LocationHost:
		buf = rdma.NewBuffer(hostVABase+d.nextHost, hostDMABase+d.nextHost, size, loc, mem)
		d.nextHost += span
	case rdma.LocationDevice:
		buf = rdma.NewBuffer(devBase+d.nextDev, devBase+d.nextDev, size, loc, nil)
		d.nextDev += span
	default:
		return nil, rdma.ErrInvalidLocation
	}
	d.allocs = append(d.allocs, &allocation{buf: buf, mem: mem})
	return buf, nil
}

func (d *Device) FreeBuffer(buf *rdma.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.allocs {
		if a.buf != buf {
			continue
		}
		for key, mr := range d.mrs {
			if mr.alloc == a {
				return fmt.Errorf("buffer 0x%x still registered under key 0x%x", buf.VA, key)
			}
		}
		d.allocs = append(d.allocs[:i], d.allocs[i+1:]...)
		return nil
	}
	return rdma.ErrNoSuchBuffer
}

func (d *Device) lookup(buf *rdma.Buffer) (*allocation, error) {
	for _, a := range d.allocs {
		if a.buf == buf {
			return a, nil
		}
	}
	return nil, rdma.ErrNoSuchBuffer
}

func (d *Device) lookupDMA(addr uint64, length int) *allocation {
	for _, a := range d.allocs {
		if a.containsDMA(addr, length) {
			return a
		}
	}
	return nil
}

func (d *Device) AllocPD(index uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return rdma.ErrDeviceNotOpen
	}
	d.pds[index] = struct{}{}
	return nil
}

func (d *Device) RegisterMR(pd uint32, key uint32, buf *rdma.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pds[pd]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchPD, pd)
	}
	if _, ok := d.mrs[key]; ok {
		return fmt.Errorf("%w: 0x%x", rdma.ErrKeyInUse, key)
	}
	a, err := d.lookup(buf)
	if err != nil {
		return err
	}
	d.mrs[key] = &memoryRegion{pd: pd, alloc: a}
	return nil
}

func (d *Device) DeregisterMR(key uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mrs[key]; !ok {
		return fmt.Errorf("no memory region registered under key 0x%x", key)
	}
	delete(d.mrs, key)
	return nil
}

func (d *Device) AllocQP(attr rdma.QPAttr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return rdma.ErrDeviceNotOpen
	}
	if _, ok := d.pds[attr.PD]; !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchPD, attr.PD)
	}
	if _, ok := d.qps[attr.ID]; ok {
		return fmt.Errorf("%w: %d", rdma.ErrQPExists, attr.ID)
	}
	if _, err := regs.QPReg(attr.ID, regs.QPConf); err != nil {
		return err
	}
	if attr.Depth <= 0 {
		return fmt.Errorf("invalid QP depth %d", attr.Depth)
	}
	if attr.PeerIP.To4() == nil {
		return fmt.Errorf("peer address %s is not IPv4", attr.PeerIP)
	}
	local := d.lookupDMA(attr.BufferBase, 0)
	if local == nil {
		return fmt.Errorf("%w: QP buffer base 0x%x", rdma.ErrNoSuchBuffer, attr.BufferBase)
	}

	d.qps[attr.ID] = &queuePair{
		attr:  attr,
		peer:  &net.UDPAddr{IP: attr.PeerIP, Port: int(attr.PeerUDPPort)},
		local: local,
	}
	d.mirrorQP(attr)
	return nil
}

func (d *Device) DestroyQP(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[id]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, id)
	}
	if qp.pending != nil {
		d.finish(id, qp, rdma.StatusFlushed, errors.New("queue pair destroyed"))
	}
	delete(d.qps, id)
	d.setQPReg(id, regs.QPConf, 0)
	return nil
}

func (d *Device) SetRQPSN(qpID uint32, psn uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[qpID]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	qp.lastRQPSN = psn & rdma.PSNMask
	qp.served = false
	d.setQPReg(qpID, regs.QPLastRQPSN, qp.lastRQPSN)
	return nil
}

func (d *Device) SetSQPSN(qpID uint32, psn uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[qpID]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	qp.sqPSN = psn & rdma.PSNMask
	d.setQPReg(qpID, regs.QPSQPSN, qp.sqPSN)
	return nil
}

func (d *Device) PostWQE(qpID uint32, wqe rdma.WQE) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qp, ok := d.qps[qpID]
	if !ok {
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	if wqe.Opcode != rdma.OpRead {
		return fmt.Errorf("opcode %s not supported by the software engine", wqe.Opcode)
	}
	if len(qp.sq) >= qp.attr.Depth {
		return fmt.Errorf("%w: QP %d depth %d", rdma.ErrQueueFull, qpID, qp.attr.Depth)
	}
	qp.sq = append(qp.sq, wqe)
	d.bumpQPReg(qpID, regs.QPSQPI)
	return nil
}

// PostSend submits every queued WQE in order and waits for each to complete
func (d *Device) PostSend(ctx context.Context, qpID uint32) error {
	d.mu.Lock()
	if d.conn == nil {
		d.mu.Unlock()
		return rdma.ErrDeviceNotOpen
	}
	qp, ok := d.qps[qpID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", rdma.ErrNoSuchQP, qpID)
	}
	if len(qp.sq) == 0 {
		d.mu.Unlock()
		return rdma.ErrQueueEmpty
	}
	wqes := qp.sq
	qp.sq = nil
	d.mu.Unlock()

	for _, wqe := range wqes {
		if err := d.execute(ctx, qpID, wqe); err != nil {
			return err
		}
	}
	return nil
}

func completionError(qpID uint32, status rdma.Status, err error) *rdma.CompletionError {
	return &rdma.CompletionError{QPID: qpID, Code: -int(status), Status: status, Err: err}
}

func (d *Device) execute(ctx context.Context, qpID uint32, wqe rdma.WQE) error {
	d.mu.Lock()
	local := d.lookupDMA(wqe.LocalAddr, int(wqe.Length))
	if local == nil {
		d.mu.Unlock()
		return completionError(qpID, rdma.StatusLocalProtectionError,
			fmt.Errorf("%w: local 0x%x+%d", rdma.ErrOutOfRange, wqe.LocalAddr, wqe.Length))
	}
	off := wqe.LocalAddr - local.buf.DMA
	dst := local.mem[off : off+uint64(wqe.Length)]
	d.mu.Unlock()

	const window = windowSegments * PMTU
	for start := 0; ; start += window {
		end := min(start+window, len(dst))
		if err := d.readWindow(ctx, qpID, dst[start:end], wqe.RemoteAddr+uint64(start), wqe.RKey); err != nil {
			return err
		}
		if end == len(dst) {
			return nil
		}
	}
}

// readWindow reads len(dst) bytes from remote with one READ request,
// re-requesting from the first missing segment when no progress is made
// within the retransmit timeout
func (d *Device) readWindow(ctx context.Context, qpID uint32, dst []byte, remote uint64, rkey uint32) error {
	d.mu.Lock()
	qp, ok := d.qps[qpID]
	if !ok || d.conn == nil {
		d.mu.Unlock()
		return completionError(qpID, rdma.StatusFlushed, rdma.ErrNoSuchQP)
	}
	if qp.pending != nil {
		d.mu.Unlock()
		return fmt.Errorf("QP %d already has a READ in flight", qpID)
	}
	req := &readRequest{
		dst:      dst,
		remote:   remote,
		rkey:     rkey,
		firstPSN: qp.sqPSN,
		nextPSN:  qp.sqPSN,
		segments: segments(uint32(len(dst))),
		done:     make(chan error, 1),
	}
	qp.pending = req
	conn, peer := d.conn, qp.peer
	bth := BTH{Opcode: OpReadRequest, PKey: uint16(qp.attr.PKey), DestQP: qp.attr.RemoteID}
	d.mu.Unlock()

	if err := d.sendRequest(conn, peer, bth, req, false); err != nil {
		d.abandon(qpID, req)
		return completionError(qpID, rdma.StatusTransportError, err)
	}

	timer := time.NewTimer(d.retransmit)
	defer timer.Stop()

	retries, seen := 0, 0
	for {
		select {
		case err := <-req.done:
			return err
		case <-ctx.Done():
			d.abandon(qpID, req)
			if ok, err := doneNow(req); ok {
				return err
			}
			return completionError(qpID, rdma.StatusTimeout, ctx.Err())
		case <-timer.C:
		}

		if ok, err := doneNow(req); ok {
			return err
		}
		timer.Reset(d.retransmit)
		if d.progressed(req, &seen) {
			continue
		}
		if retries == d.retries {
			d.abandon(qpID, req)
			if ok, err := doneNow(req); ok {
				return err
			}
			return completionError(qpID, rdma.StatusRetryExceeded,
				fmt.Errorf("no response from QP %d after %d retries", bth.DestQP, retries))
		}
		retries++
		if err := d.sendRequest(conn, peer, bth, req, true); err != nil {
			d.abandon(qpID, req)
			return completionError(qpID, rdma.StatusTransportError, err)
		}
	}
}

// doneNow returns the completion of req if it has already been delivered
func doneNow(req *readRequest) (bool, error) {
	select {
	case err := <-req.done:
		return true, err
	default:
		return false, nil
	}
}

// progressed reports whether req received segments since seen was recorded,
// and records the current count
func (d *Device) progressed(req *readRequest, seen *int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	moved := req.received > *seen
	*seen = req.received
	return moved
}

// sendRequest sends a READ request for the segments of req not yet received
func (d *Device) sendRequest(conn *net.UDPConn, peer *net.UDPAddr, bth BTH, req *readRequest, resend bool) error {
	d.mu.Lock()
	off := req.received * PMTU
	bth.PSN = req.nextPSN
	req.reqPSN = req.nextPSN
	d.mu.Unlock()

	pkt := &Packet{
		BTH:  bth,
		RETH: RETH{VA: req.remote + uint64(off), RKey: req.rkey, Length: uint32(len(req.dst) - off)},
	}
	log.Debug().
		Uint32("dest_qp", bth.DestQP).
		Uint32("psn", bth.PSN).
		Str("remote_addr", fmt.Sprintf("0x%x", pkt.RETH.VA)).
		Uint32("length", pkt.RETH.Length).
		Bool("retransmit", resend).
		Msg("Sending READ request")
	_, err := conn.WriteToUDP(pkt.Marshal(), peer)
	return err
}

func (d *Device) abandon(qpID uint32, req *readRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qp, ok := d.qps[qpID]; ok && qp.pending == req {
		qp.pending = nil
	}
}

// finish completes the pending request of qp. Caller holds d.mu.
func (d *Device) finish(qpID uint32, qp *queuePair, status rdma.Status, err error) {
	req := qp.pending
	qp.pending = nil
	if status == rdma.StatusSuccess {
		req.done <- nil
		return
	}
	req.done <- completionError(qpID, status, err)
}

func (d *Device) ReadDMA(buf *rdma.Buffer, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(buf)
	if err != nil {
		return err
	}
	if len(p) > len(a.mem) {
		return fmt.Errorf("%w: read %d bytes from %d byte buffer", rdma.ErrOutOfRange, len(p), len(a.mem))
	}
	copy(p, a.mem)
	return nil
}

func (d *Device) WriteDMA(buf *rdma.Buffer, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(buf)
	if err != nil {
		return err
	}
	if len(p) > len(a.mem) {
		return fmt.Errorf("%w: write %d bytes to %d byte buffer", rdma.ErrOutOfRange, len(p), len(a.mem))
	}
	copy(a.mem, p)
	return nil
}

func (d *Device) Registers() regs.Space {
	return d.regs
}

// Close stops packet processing and flushes outstanding requests
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, qp := range d.qps {
		if qp.pending != nil {
			d.finish(id, qp, rdma.StatusFlushed, rdma.ErrDeviceClosed)
		}
	}
	conn := d.conn
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	log.Debug().Str("device", d.name).Msg("Software RDMA engine closed")
	return err
}

func (d *Device) receive(conn *net.UDPConn) {
	defer d.wg.Done()
	buf := make([]byte, MaxPacketSize+RETHSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("device", d.name).Msg("Engine receive failed")
			continue
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("Dropping malformed packet")
			continue
		}
		switch {
		case pkt.Opcode == OpReadRequest:
			d.respond(conn, pkt, from)
		case isReadResponse(pkt.Opcode), pkt.Opcode == OpAcknowledge:
			d.complete(pkt, from)
		default:
			log.Debug().Uint8("opcode", pkt.Opcode).Msg("Dropping packet with unsupported opcode")
		}
	}
}

// respond serves an incoming READ request
func (d *Device) respond(conn *net.UDPConn, pkt *Packet, from *net.UDPAddr) {
	d.mu.Lock()
	qp, ok := d.qps[pkt.DestQP]
	if !ok {
		d.mu.Unlock()
		log.Debug().Uint32("dest_qp", pkt.DestQP).Msg("Dropping READ request for unknown QP")
		return
	}
	if uint32(pkt.PKey) != qp.attr.PKey&0xffff {
		d.mu.Unlock()
		log.Debug().Uint32("dest_qp", pkt.DestQP).Uint16("pkey", pkt.PKey).Msg("Dropping READ request with foreign P_Key")
		return
	}
	if !from.IP.Equal(qp.attr.PeerIP) {
		d.mu.Unlock()
		log.Debug().Uint32("dest_qp", pkt.DestQP).Str("from", from.String()).Msg("Dropping READ request from unexpected peer")
		return
	}

	hdr := BTH{Opcode: OpAcknowledge, PKey: pkt.PKey, DestQP: qp.attr.RemoteID, PSN: pkt.PSN}
	peer := qp.peer

	expected := (qp.lastRQPSN + 1) & rdma.PSNMask
	duplicate := qp.served && psnWithin(pkt.PSN, qp.lastReadPSN, qp.lastRQPSN)
	if pkt.PSN != expected && !duplicate {
		nak := &Packet{BTH: hdr, AETH: AETH{Syndrome: SyndromePSNSeqError, MSN: qp.msn}}
		d.mu.Unlock()
		log.Debug().Uint32("psn", pkt.PSN).Uint32("expected", expected).Msg("NAK: PSN sequence error")
		d.send(conn, nak, peer)
		return
	}

	mr, ok := d.mrs[pkt.RETH.RKey]
	if !ok || mr.pd != qp.attr.PD || !mr.alloc.buf.Contains(pkt.RETH.VA, int(pkt.RETH.Length)) {
		nak := &Packet{BTH: hdr, AETH: AETH{Syndrome: SyndromeRemoteAccess, MSN: qp.msn}}
		d.mu.Unlock()
		log.Debug().
			Uint32("rkey", pkt.RETH.RKey).
			Str("va", fmt.Sprintf("0x%x", pkt.RETH.VA)).
			Uint32("length", pkt.RETH.Length).
			Msg("NAK: remote access error")
		d.send(conn, nak, peer)
		return
	}

	off := pkt.RETH.VA - mr.alloc.buf.VA
	data := make([]byte, pkt.RETH.Length)
	copy(data, mr.alloc.mem[off:])
	n := segments(pkt.RETH.Length)
	if !duplicate {
		qp.lastReadPSN = pkt.PSN
		qp.lastRQPSN = (pkt.PSN + uint32(n) - 1) & rdma.PSNMask
		qp.served = true
		qp.msn = (qp.msn + 1) & 0xffffff
		d.setQPReg(qp.attr.ID, regs.QPLastRQPSN, qp.lastRQPSN)
		d.bumpQPReg(qp.attr.ID, regs.QPStatRQPI)
		d.bumpQPReg(qp.attr.ID, regs.QPStatReadOps)
	}
	msn := qp.msn
	d.mu.Unlock()

	if duplicate {
		log.Debug().Uint32("dest_qp", pkt.DestQP).Uint32("psn", pkt.PSN).Int("segments", n).Msg("Serving duplicate READ request")
	}
	for i := 0; i < n; i++ {
		start := i * PMTU
		end := min(start+PMTU, len(data))
		resp := &Packet{
			BTH: BTH{
				Opcode: responseOpcode(i, n),
				PKey:   pkt.PKey,
				DestQP: hdr.DestQP,
				PSN:    (pkt.PSN + uint32(i)) & rdma.PSNMask,
			},
			AETH:    AETH{Syndrome: SyndromeACK, MSN: msn},
			Payload: data[start:end],
		}
		d.limiter.Take()
		if d.dropResponse != nil && d.dropResponse(resp.PSN) {
			continue
		}
		d.send(conn, resp, peer)
	}
}

// psnWithin reports whether psn lies in [lo, hi] in 24-bit PSN space
func psnWithin(psn, lo, hi uint32) bool {
	return (psn-lo)&rdma.PSNMask <= (hi-lo)&rdma.PSNMask
}

func (d *Device) send(conn *net.UDPConn, pkt *Packet, to *net.UDPAddr) {
	if _, err := conn.WriteToUDP(pkt.Marshal(), to); err != nil {
		log.Warn().Err(err).Str("to", to.String()).Uint8("opcode", pkt.Opcode).Msg("Failed to send packet")
	}
}

func statusForSyndrome(s uint8) rdma.Status {
	switch s {
	case SyndromePSNSeqError:
		return rdma.StatusPSNSequenceError
	case SyndromeInvalidRequest:
		return rdma.StatusRemoteInvalidRequest
	case SyndromeRemoteAccess:
		return rdma.StatusRemoteAccessError
	default:
		return rdma.StatusRemoteOperationError
	}
}

// complete consumes a READ response or NAK for the requester side
func (d *Device) complete(pkt *Packet, from *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	qp, ok := d.qps[pkt.DestQP]
	if !ok || qp.pending == nil {
		log.Debug().Uint32("dest_qp", pkt.DestQP).Uint32("psn", pkt.PSN).Msg("Dropping unsolicited response")
		return
	}
	if !from.IP.Equal(qp.attr.PeerIP) {
		return
	}
	req := qp.pending
	id := qp.attr.ID

	if pkt.Opcode == OpAcknowledge {
		if pkt.AETH.Syndrome == SyndromeACK || pkt.PSN != req.reqPSN {
			return
		}
		d.finish(id, qp, statusForSyndrome(pkt.AETH.Syndrome),
			fmt.Errorf("NAK syndrome 0x%02x for PSN 0x%x", pkt.AETH.Syndrome, pkt.PSN))
		return
	}

	// Out-of-order segments are dropped and recovered by re-requesting
	if pkt.PSN != req.nextPSN {
		log.Trace().Uint32("psn", pkt.PSN).Uint32("expected", req.nextPSN).Msg("Dropping out-of-sequence response")
		return
	}
	last := req.received == req.segments-1
	if final := pkt.Opcode == OpReadResponseLast || pkt.Opcode == OpReadResponseOnly; final != last {
		d.finish(id, qp, rdma.StatusTransportError,
			fmt.Errorf("response opcode 0x%02x at segment %d of %d", pkt.Opcode, req.received, req.segments))
		return
	}
	start := req.received * PMTU
	if want := min(PMTU, len(req.dst)-start); len(pkt.Payload) != want {
		d.finish(id, qp, rdma.StatusLocalLengthError,
			fmt.Errorf("response segment %d carries %d bytes, expected %d", req.received, len(pkt.Payload), want))
		return
	}
	copy(req.dst[start:], pkt.Payload)
	req.received++
	req.nextPSN = (req.nextPSN + 1) & rdma.PSNMask

	if req.received == req.segments {
		qp.sqPSN = req.nextPSN
		d.setQPReg(id, regs.QPSQPSN, qp.sqPSN)
		d.setQPReg(id, regs.QPStatCurSQ, qp.sqPSN)
		d.finish(id, qp, rdma.StatusSuccess, nil)
	}
}

// mirrorEngine writes the engine configuration into the register file.
// Caller holds d.mu.
func (d *Device) mirrorEngine() {
	mac := d.attr.SrcMAC.Uint64()
	ip, _ := rdma.IPv4ToUint32(d.attr.SrcIP)
	_ = d.regs.Write32(regs.GCSRXRNICConf, 1)
	_ = d.regs.Write32(regs.GCSRMACAddrLSB, uint32(mac))
	_ = d.regs.Write32(regs.GCSRMACAddrMSB, uint32(mac>>32))
	_ = d.regs.Write32(regs.GCSRIPv4Addr, ip)
	_ = d.regs.Write32(regs.GCSRUDPPort, uint32(d.attr.UDPPort))
}

// mirrorQP writes a QP's configuration into its register block. Caller holds d.mu.
func (d *Device) mirrorQP(attr rdma.QPAttr) {
	conf := uint32(qpConfEnable)
	if attr.Location == rdma.LocationDevice {
		conf |= qpConfDevMem
	}
	mac := attr.PeerMAC.Uint64()
	ip, _ := rdma.IPv4ToUint32(attr.PeerIP)
	d.setQPReg(attr.ID, regs.QPConf, conf)
	d.setQPReg(attr.ID, regs.QPRQBufBase, uint32(attr.BufferBase))
	d.setQPReg(attr.ID, regs.QPRQBufBase+4, uint32(attr.BufferBase>>32))
	d.setQPReg(attr.ID, regs.QPSQBase, uint32(attr.AuxBase))
	d.setQPReg(attr.ID, regs.QPSQBase+4, uint32(attr.AuxBase>>32))
	d.setQPReg(attr.ID, regs.QPDepth, uint32(attr.Depth))
	d.setQPReg(attr.ID, regs.QPDestQPConf, attr.RemoteID)
	d.setQPReg(attr.ID, regs.QPMACDesLSB, uint32(mac))
	d.setQPReg(attr.ID, regs.QPMACDesMSB, uint32(mac>>32))
	d.setQPReg(attr.ID, regs.QPIPDesAddr, ip)
}

func (d *Device) setQPReg(qpID, reg, v uint32) {
	if off, err := regs.QPReg(qpID, reg); err == nil {
		_ = d.regs.Write32(off, v)
	}
}

func (d *Device) bumpQPReg(qpID, reg uint32) {
	off, err := regs.QPReg(qpID, reg)
	if err != nil {
		return
	}
	v, _ := d.regs.Read32(off)
	_ = d.regs.Write32(off, v+1)
}

var _ rdma.Device = (*Device)(nil)

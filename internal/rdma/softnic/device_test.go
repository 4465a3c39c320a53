package softnic

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
)

var loopback = net.IPv4(127, 0, 0, 1)

func openDevice(t *testing.T, name string, opts ...Option) *Device {
	t.Helper()
	d := New(append([]Option{WithName(name)}, opts...)...)
	require.NoError(t, d.Open(rdma.EngineAttr{SrcIP: loopback}))
	t.Cleanup(func() { d.Close() })
	return d
}

type endpoint struct {
	dev *Device
	buf *rdma.Buffer
}

// setupQP allocates a PD, a registered buffer and QP 2 pointing at peer
func setupQP(t *testing.T, d *Device, peer *Device, size int, loc rdma.Location, remoteID uint32) endpoint {
	t.Helper()
	require.NoError(t, d.AllocPD(rdma.DefaultPDIndex))
	buf, err := d.AllocBuffer(size, loc)
	require.NoError(t, err)
	require.NoError(t, d.RegisterMR(rdma.DefaultPDIndex, rdma.DefaultRKey, buf))
	require.NoError(t, d.AllocQP(rdma.QPAttr{
		ID:          rdma.DefaultQPID,
		RemoteID:    remoteID,
		PD:          rdma.DefaultPDIndex,
		BufferBase:  buf.DMA,
		AuxBase:     buf.DMA + rdma.AuxOffset,
		Depth:       rdma.DefaultQPDepth,
		Location:    loc,
		PeerIP:      loopback,
		PeerUDPPort: uint16(peer.LocalAddr().Port),
		PKey:        rdma.DefaultPKey,
		RKey:        rdma.DefaultRKey,
	}))
	require.NoError(t, d.SetRQPSN(rdma.DefaultQPID, rdma.DefaultPSNSeed))
	require.NoError(t, d.SetSQPSN(rdma.DefaultQPID, rdma.DefaultPSNSeed+1))
	return endpoint{dev: d, buf: buf}
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func readWQE(local, remote *rdma.Buffer, length int) rdma.WQE {
	return rdma.WQE{
		Opcode:     rdma.OpRead,
		LocalAddr:  local.DMA,
		Length:     uint32(length),
		RemoteAddr: remote.VA,
		RKey:       rdma.DefaultRKey,
	}
}

// withResponseFilter installs a filter that discards outgoing READ response segments
func withResponseFilter(drop func(psn uint32) bool) Option {
	return func(d *Device) {
		d.dropResponse = drop
	}
}

// dropOnce discards the first transmission of each listed PSN
func dropOnce(psns ...uint32) func(uint32) bool {
	var mu sync.Mutex
	pending := make(map[uint32]bool, len(psns))
	for _, p := range psns {
		pending[p] = true
	}
	return func(psn uint32) bool {
		mu.Lock()
		defer mu.Unlock()
		if pending[psn] {
			delete(pending, psn)
			return true
		}
		return false
	}
}

func readQPReg(t *testing.T, d *Device, reg uint32) uint32 {
	t.Helper()
	off, err := regs.QPReg(rdma.DefaultQPID, reg)
	require.NoError(t, err)
	v, err := d.Registers().Read32(off)
	require.NoError(t, err)
	return v
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestPacketEncoding(t *testing.T) {
	req := &Packet{
		BTH:  BTH{Opcode: OpReadRequest, PKey: 0x1234, DestQP: 2, PSN: 0xabd},
		RETH: RETH{VA: 0x7f0000001000, RKey: 8, Length: 4096},
	}
	b := req.Marshal()
	require.Len(t, b, BTHSize+RETHSize)
	assert.Equal(t, []byte{0x00, 0x00, 0x0a, 0xbd}, b[8:12])

	got, err := ParsePacket(b)
	require.NoError(t, err)
	assert.Equal(t, req.BTH, got.BTH)
	assert.Equal(t, req.RETH, got.RETH)
	assert.Empty(t, got.Payload)

	resp := &Packet{
		BTH:     BTH{Opcode: OpReadResponseOnly, PKey: 0x1234, DestQP: 2, PSN: 0xffffff},
		AETH:    AETH{Syndrome: SyndromeACK, MSN: 1},
		Payload: []byte{1, 2, 3, 4},
	}
	got, err = ParsePacket(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp.AETH, got.AETH)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Payload)

	_, err = ParsePacket(b[:BTHSize+4])
	assert.Error(t, err)
	_, err = ParsePacket([]byte{OpReadRequest})
	assert.Error(t, err)
}

func TestSegmentation(t *testing.T) {
	assert.Equal(t, 1, segments(0))
	assert.Equal(t, 1, segments(64))
	assert.Equal(t, 1, segments(PMTU))
	assert.Equal(t, 2, segments(PMTU+4))

	assert.Equal(t, OpReadResponseOnly, responseOpcode(0, 1))
	assert.Equal(t, OpReadResponseFirst, responseOpcode(0, 3))
	assert.Equal(t, OpReadResponseMid, responseOpcode(1, 3))
	assert.Equal(t, OpReadResponseLast, responseOpcode(2, 3))
}

func TestReadHostMemory(t *testing.T) {
	const size = 4*PMTU + 12
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	want := pattern(size)
	src, err := srv.buf.Bytes()
	require.NoError(t, err)
	copy(src, want)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	require.NoError(t, cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID))

	got, err := cli.buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Five response packets consumed five PSNs on both ends
	sqOff, err := regs.QPReg(rdma.DefaultQPID, regs.QPSQPSN)
	require.NoError(t, err)
	sq, err := cliDev.Registers().Read32(sqOff)
	require.NoError(t, err)
	assert.Equal(t, rdma.DefaultPSNSeed+1+5, sq)

	rqOff, err := regs.QPReg(rdma.DefaultQPID, regs.QPLastRQPSN)
	require.NoError(t, err)
	rq, err := srvDev.Registers().Read32(rqOff)
	require.NoError(t, err)
	assert.Equal(t, rdma.DefaultPSNSeed+5, rq)

	opsOff, err := regs.QPReg(rdma.DefaultQPID, regs.QPStatReadOps)
	require.NoError(t, err)
	ops, err := srvDev.Registers().Read32(opsOff)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ops)
}

func TestReadDeviceMemory(t *testing.T) {
	const size = 64
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationDevice, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationDevice, rdma.DefaultQPID)

	_, err := srv.buf.Bytes()
	require.ErrorIs(t, err, rdma.ErrNotHostAddressable)

	want := pattern(size)
	require.NoError(t, srvDev.WriteDMA(srv.buf, want))

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	require.NoError(t, cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID))

	got := make([]byte, size)
	require.NoError(t, cliDev.ReadDMA(cli.buf, got))
	assert.Equal(t, want, got)

	assert.ErrorIs(t, cliDev.ReadDMA(cli.buf, make([]byte, size+1)), rdma.ErrOutOfRange)
}

func TestSecondReadContinuesPSNSequence(t *testing.T) {
	const size = 128
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	for i := 0; i < 2; i++ {
		require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	}
	require.NoError(t, cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID))

	err := cliDev.PostSend(withTimeout(t, time.Second), rdma.DefaultQPID)
	assert.ErrorIs(t, err, rdma.ErrQueueEmpty)
}

func TestPSNMismatchIsNAKed(t *testing.T) {
	const size = 256
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)
	require.NoError(t, cliDev.SetSQPSN(rdma.DefaultQPID, rdma.DefaultPSNSeed+7))

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	err := cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID)

	var ce *rdma.CompletionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, rdma.StatusPSNSequenceError, ce.Status)
	assert.Equal(t, rdma.DefaultQPID, ce.QPID)
	assert.NotZero(t, ce.Code)
}

func TestRemoteAccessViolations(t *testing.T) {
	const size = 256
	tests := []struct {
		name   string
		mutate func(w *rdma.WQE)
	}{
		{"unknown rkey", func(w *rdma.WQE) { w.RKey = 0x99 }},
		{"beyond region", func(w *rdma.WQE) { w.RemoteAddr += 12 }},
		{"before region", func(w *rdma.WQE) { w.RemoteAddr -= 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
			srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
			cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

			w := readWQE(cli.buf, srv.buf, size-8)
			tt.mutate(&w)
			require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, w))
			err := cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID)

			var ce *rdma.CompletionError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, rdma.StatusRemoteAccessError, ce.Status)
		})
	}
}

func TestMismatchedQPIDTimesOut(t *testing.T) {
	const size = 64
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID+1)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	err := cliDev.PostSend(withTimeout(t, 200*time.Millisecond), rdma.DefaultQPID)

	var ce *rdma.CompletionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, rdma.StatusTimeout, ce.Status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalRangeChecked(t *testing.T) {
	const size = 64
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size*2)))
	err := cliDev.PostSend(withTimeout(t, time.Second), rdma.DefaultQPID)

	var ce *rdma.CompletionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, rdma.StatusLocalProtectionError, ce.Status)
	assert.ErrorIs(t, err, rdma.ErrOutOfRange)
}

func TestResourceErrors(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.AllocPD(0), rdma.ErrDeviceNotOpen)
	assert.Nil(t, d.LocalAddr())

	require.NoError(t, d.Open(rdma.EngineAttr{SrcIP: loopback}))
	defer d.Close()
	assert.Error(t, d.Open(rdma.EngineAttr{SrcIP: loopback}))

	buf, err := d.AllocBuffer(128, rdma.LocationHost)
	require.NoError(t, err)
	_, err = d.AllocBuffer(0, rdma.LocationHost)
	assert.Error(t, err)

	assert.ErrorIs(t, d.RegisterMR(0, rdma.DefaultRKey, buf), rdma.ErrNoSuchPD)
	require.NoError(t, d.AllocPD(0))
	require.NoError(t, d.RegisterMR(0, rdma.DefaultRKey, buf))
	assert.ErrorIs(t, d.RegisterMR(0, rdma.DefaultRKey, buf), rdma.ErrKeyInUse)

	attr := rdma.QPAttr{ID: 2, RemoteID: 2, BufferBase: buf.DMA, Depth: 1, PeerIP: loopback, PeerUDPPort: 1}
	require.NoError(t, d.AllocQP(attr))
	assert.ErrorIs(t, d.AllocQP(attr), rdma.ErrQPExists)
	assert.ErrorIs(t, d.SetSQPSN(9, 0), rdma.ErrNoSuchQP)

	bad := attr
	bad.ID = 0
	assert.Error(t, d.AllocQP(bad))
	bad = attr
	bad.ID, bad.BufferBase = 3, 0xdead0000
	assert.ErrorIs(t, d.AllocQP(bad), rdma.ErrNoSuchBuffer)

	w := rdma.WQE{Opcode: rdma.OpRead, LocalAddr: buf.DMA, Length: 4}
	require.NoError(t, d.PostWQE(2, w))
	assert.ErrorIs(t, d.PostWQE(2, w), rdma.ErrQueueFull)
	assert.Error(t, d.PostWQE(2, rdma.WQE{Opcode: rdma.OpWrite}))

	// A registered buffer cannot be freed
	assert.Error(t, d.FreeBuffer(buf))
	require.NoError(t, d.DestroyQP(2))
	require.NoError(t, d.DeregisterMR(rdma.DefaultRKey))
	require.NoError(t, d.FreeBuffer(buf))
	assert.ErrorIs(t, d.FreeBuffer(buf), rdma.ErrNoSuchBuffer)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err = d.AllocBuffer(64, rdma.LocationHost)
	assert.ErrorIs(t, err, rdma.ErrDeviceClosed)
}

func TestEngineRegistersMirrored(t *testing.T) {
	mac, err := rdma.ParseMAC("00:0a:35:01:02:03")
	require.NoError(t, err)
	d := New()
	require.NoError(t, d.Open(rdma.EngineAttr{SrcIP: loopback, SrcMAC: mac}))
	defer d.Close()

	r := d.Registers()
	ip, err := r.Read32(regs.GCSRIPv4Addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7f000001), ip)

	lsb, err := r.Read32(regs.GCSRMACAddrLSB)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x35010203), lsb)

	port, err := r.Read32(regs.GCSRUDPPort)
	require.NoError(t, err)
	assert.Equal(t, uint32(d.LocalAddr().Port), port)
}

func TestLostSegmentIsReRequested(t *testing.T) {
	const size = 8 * PMTU
	first := uint32(rdma.DefaultPSNSeed + 1)
	srvDev := openDevice(t, "server", withResponseFilter(dropOnce(first+3)))
	cliDev := openDevice(t, "client", WithRetransmit(20*time.Millisecond, 3))
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	want := pattern(size)
	src, err := srv.buf.Bytes()
	require.NoError(t, err)
	copy(src, want)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	require.NoError(t, cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID))

	got, err := cli.buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The re-request is a duplicate: one READ served, PSNs advanced once
	assert.Equal(t, uint32(1), readQPReg(t, srvDev, regs.QPStatReadOps))
	assert.Equal(t, rdma.DefaultPSNSeed+8, readQPReg(t, srvDev, regs.QPLastRQPSN))
	assert.Equal(t, first+8, readQPReg(t, cliDev, regs.QPSQPSN))
}

func TestLostResponsesAreServedAgain(t *testing.T) {
	const size = 4 * PMTU
	first := uint32(rdma.DefaultPSNSeed + 1)
	srvDev := openDevice(t, "server", withResponseFilter(dropOnce(first, first+1, first+2, first+3)))
	cliDev := openDevice(t, "client", WithRetransmit(20*time.Millisecond, 3))
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	want := pattern(size)
	src, err := srv.buf.Bytes()
	require.NoError(t, err)
	copy(src, want)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	require.NoError(t, cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID))

	got, err := cli.buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint32(1), readQPReg(t, srvDev, regs.QPStatReadOps))
}

func TestRetriesExhausted(t *testing.T) {
	const size = 2 * PMTU
	srvDev := openDevice(t, "server", withResponseFilter(func(uint32) bool { return true }))
	cliDev := openDevice(t, "client", WithRetransmit(10*time.Millisecond, 2))
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationHost, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationHost, rdma.DefaultQPID)

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	err := cliDev.PostSend(withTimeout(t, 5*time.Second), rdma.DefaultQPID)

	var ce *rdma.CompletionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, rdma.StatusRetryExceeded, ce.Status)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestLargeReadSpansWindows(t *testing.T) {
	const size = 1 << 20
	srvDev, cliDev := openDevice(t, "server"), openDevice(t, "client")
	srv := setupQP(t, srvDev, cliDev, size, rdma.LocationDevice, rdma.DefaultQPID)
	cli := setupQP(t, cliDev, srvDev, size, rdma.LocationDevice, rdma.DefaultQPID)

	want := pattern(size)
	require.NoError(t, srvDev.WriteDMA(srv.buf, want))

	require.NoError(t, cliDev.PostWQE(rdma.DefaultQPID, readWQE(cli.buf, srv.buf, size)))
	require.NoError(t, cliDev.PostSend(withTimeout(t, 10*time.Second), rdma.DefaultQPID))

	got := make([]byte, size)
	require.NoError(t, cliDev.ReadDMA(cli.buf, got))
	assert.Equal(t, want, got)

	n := uint32(size / PMTU)
	assert.Equal(t, n/windowSegments, readQPReg(t, srvDev, regs.QPStatReadOps))
	assert.Equal(t, rdma.DefaultPSNSeed+n, readQPReg(t, srvDev, regs.QPLastRQPSN))
	assert.Equal(t, rdma.DefaultPSNSeed+1+n, readQPReg(t, cliDev, regs.QPSQPSN))
}

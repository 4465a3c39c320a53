package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rnread/internal/config"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/rdma/reconic"
	"github.com/yuuki/rnread/internal/telemetry"
)

type fakeResolver struct {
	err error
}

func (f fakeResolver) LocalMAC(net.IP) (rdma.MAC, error) {
	return rdma.MAC{0x02, 0, 0, 0, 0, 1}, f.err
}

func (f fakeResolver) PeerMAC(net.IP) (rdma.MAC, error) {
	return rdma.MAC{0x02, 0, 0, 0, 0, 2}, f.err
}

type recorder struct {
	mu      sync.Mutex
	records []telemetry.RunRecord
}

func (r *recorder) RecordRun(_ context.Context, rec telemetry.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) Shutdown(context.Context) error { return nil }

// corruptingDevice flips one bit of every device-memory copy-out
type corruptingDevice struct {
	rdma.Device
}

func (c corruptingDevice) ReadDMA(buf *rdma.Buffer, p []byte) error {
	if err := c.Device.ReadDMA(buf, p); err != nil {
		return err
	}
	p[10] ^= 0x01
	return nil
}

func freePort(t *testing.T, network string) uint16 {
	t.Helper()
	switch network {
	case "udp":
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		defer c.Close()
		return uint16(c.LocalAddr().(*net.UDPAddr).Port)
	default:
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		return uint16(l.Addr().(*net.TCPAddr).Port)
	}
}

func baseConfig() *config.ReadConfig {
	return &config.ReadConfig{
		SrcIP:             "127.0.0.1",
		DstIP:             "127.0.0.1",
		PayloadSize:       1024,
		QPID:              rdma.DefaultQPID,
		DstQPID:           rdma.DefaultQPID,
		QPLocation:        "host_mem",
		QPDepth:           rdma.DefaultQPDepth,
		Backend:           config.BackendSoft,
		RKey:              rdma.DefaultRKey,
		PKey:              rdma.DefaultPKey,
		PSNSeed:           rdma.DefaultPSNSeed,
		ConnectAttempts:   50,
		ConnectInterval:   20 * time.Millisecond,
		DoneTimeout:       5 * time.Second,
		PostTimeout:       5 * time.Second,
		MaxMismatchReport: 10,
	}
}

// runPair runs a server and a client Runner against each other
func runPair(t *testing.T, loc string, wrap func(rdma.Device) rdma.Device) (error, error, *recorder) {
	t.Helper()
	srvUDP, cliUDP, tcp := freePort(t, "udp"), freePort(t, "udp"), freePort(t, "tcp")

	srvCfg, cliCfg := baseConfig(), baseConfig()
	srvCfg.Server, cliCfg.Client = true, true
	srvCfg.QPLocation, cliCfg.QPLocation = loc, loc
	srvCfg.TCPPort, cliCfg.TCPPort = tcp, tcp
	srvCfg.UDPPort, srvCfg.PeerUDPPort = srvUDP, cliUDP
	cliCfg.UDPPort, cliCfg.PeerUDPPort = cliUDP, srvUDP

	rec := &recorder{}
	newRunner := func(cfg *config.ReadConfig, w func(rdma.Device) rdma.Device) *Runner {
		return &Runner{
			Config:   cfg,
			Out:      &bytes.Buffer{},
			Resolver: fakeResolver{},
			Recorder: rec,
			NewDevice: func(cfg *config.ReadConfig) (rdma.Device, error) {
				dev, err := NewDevice(cfg)
				if err != nil || w == nil {
					return dev, err
				}
				return w(dev), nil
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srvErr := make(chan error, 1)
	go func() { srvErr <- newRunner(srvCfg, nil).Run(ctx) }()
	cliErr := newRunner(cliCfg, wrap).Run(ctx)
	return <-srvErr, cliErr, rec
}

func TestRunPasses(t *testing.T) {
	srvErr, cliErr, rec := runPair(t, "host_mem", nil)
	require.NoError(t, srvErr)
	require.NoError(t, cliErr)
	assert.Equal(t, ExitPass, ExitCode(cliErr))

	require.Len(t, rec.records, 2)
	outcomes := map[string]string{}
	for _, r := range rec.records {
		outcomes[r.Role] = r.Outcome
	}
	assert.Equal(t, telemetry.OutcomePassed, outcomes[config.RoleClient])
	assert.Equal(t, telemetry.OutcomePassed, outcomes[config.RoleServer])
}

func TestRunMismatchExitsOne(t *testing.T) {
	srvErr, cliErr, rec := runPair(t, "dev_mem", func(d rdma.Device) rdma.Device {
		return corruptingDevice{Device: d}
	})
	require.NoError(t, srvErr)
	require.Error(t, cliErr)
	assert.ErrorIs(t, cliErr, ErrMismatch)
	assert.Equal(t, ExitMismatch, ExitCode(cliErr))

	for _, r := range rec.records {
		assert.Equal(t, telemetry.OutcomeMismatch, r.Outcome, r.Role)
		assert.Equal(t, 1, r.Mismatches, r.Role)
	}
}

func TestConflictingRolesRejectedBeforeDevice(t *testing.T) {
	cfg := baseConfig()
	cfg.Server, cfg.Client = true, true
	cfg.TCPPort, cfg.UDPPort, cfg.PeerUDPPort = 1, 1, 1

	r := &Runner{
		Config:   cfg,
		Resolver: fakeResolver{},
		NewDevice: func(*config.ReadConfig) (rdma.Device, error) {
			t.Fatal("device opened for an invalid configuration")
			return nil, nil
		},
	}
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, config.ErrRoleConflict)
	assert.Equal(t, ExitConfig, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitPass, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	wrapped := fmt.Errorf("run: %w", &ExitError{Code: ExitConfig, Err: config.ErrNoRole})
	assert.Equal(t, ExitConfig, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, config.ErrNoRole)
}

func TestParamsResolverStrictness(t *testing.T) {
	cfg := baseConfig()
	cfg.Client = true
	lookupErr := errors.New("no ARP entry")

	p, err := Params(cfg, fakeResolver{err: lookupErr}, nil)
	require.NoError(t, err, "software engine tolerates unresolved MACs")
	assert.Equal(t, uint32(rdma.DefaultQPID), p.QPID)
	assert.Equal(t, rdma.LocationHost, p.Location)

	cfg.Backend = config.BackendReCoNIC
	_, err = Params(cfg, fakeResolver{err: lookupErr}, nil)
	assert.ErrorIs(t, err, lookupErr)

	p, err = Params(cfg, fakeResolver{}, nil)
	require.NoError(t, err)
	assert.Equal(t, rdma.MAC{0x02, 0, 0, 0, 0, 2}, p.PeerMAC)
}

func TestNewDevice(t *testing.T) {
	cfg := baseConfig()
	dev, err := NewDevice(cfg)
	require.NoError(t, err)
	assert.Equal(t, "soft", dev.Name())

	cfg.Backend = config.BackendReCoNIC
	if reconic.Available {
		t.Skip("RecoNIC backend compiled in")
	}
	_, err = NewDevice(cfg)
	assert.ErrorIs(t, err, rdma.ErrBackendUnavailable)
}

func TestSignalContextStop(t *testing.T) {
	ctx, stop := SignalContext(context.Background())
	stop()
	stop()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

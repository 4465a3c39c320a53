package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/config"
	"github.com/yuuki/rnread/internal/exchange"
	"github.com/yuuki/rnread/internal/neigh"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/rdma/reconic"
	"github.com/yuuki/rnread/internal/rdma/softnic"
	"github.com/yuuki/rnread/internal/session"
	"github.com/yuuki/rnread/internal/telemetry"
)

// Process exit codes
const (
	ExitPass     = 0
	ExitMismatch = 1
	ExitConfig   = 2
	ExitFailure  = 3
)

// ExitError carries the exit code a failure maps to
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Run to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitPass
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// ErrMismatch is returned when the READ completed but the data was wrong
var ErrMismatch = errors.New("data verification failed")

// InitLogging initializes the logging configuration
func InitLogging(level string, w io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// NewDevice builds the backend named in cfg
func NewDevice(cfg *config.ReadConfig) (rdma.Device, error) {
	switch cfg.Backend {
	case config.BackendSoft:
		return softnic.New(
			softnic.WithName(softnic.Name),
			softnic.WithTOS(cfg.EngineTOS),
			softnic.WithPacketRate(cfg.EnginePacketRate),
		), nil
	case config.BackendReCoNIC:
		if !reconic.Available {
			return nil, fmt.Errorf("%w: rebuild with -tags reconic", rdma.ErrBackendUnavailable)
		}
		return reconic.New(reconic.Config{
			DevicePath:   cfg.Device,
			PCIeResource: cfg.PCIeResource,
			Hugepages:    cfg.Hugepages,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrBackend, cfg.Backend)
	}
}

// MACResolver finds the link-layer addresses of both ends
type MACResolver interface {
	LocalMAC(ip net.IP) (rdma.MAC, error)
	PeerMAC(ip net.IP) (rdma.MAC, error)
}

// resolveMACs looks up both MACs. The software engine routes by IP, so a
// lookup failure is only fatal for hardware.
func resolveMACs(r MACResolver, cfg *config.ReadConfig, src, dst net.IP) (rdma.MAC, rdma.MAC, error) {
	strict := cfg.Backend == config.BackendReCoNIC
	local, err := r.LocalMAC(src)
	if err != nil {
		if strict {
			return rdma.MAC{}, rdma.MAC{}, err
		}
		log.Warn().Err(err).Msg("Local MAC not resolved, using zero MAC")
	}
	peer, err := r.PeerMAC(dst)
	if err != nil {
		if strict {
			return rdma.MAC{}, rdma.MAC{}, err
		}
		log.Warn().Err(err).Msg("Peer MAC not resolved, using zero MAC")
	}
	return local, peer, nil
}

// Params converts a validated configuration into session parameters
func Params(cfg *config.ReadConfig, r MACResolver, out io.Writer) (session.Params, error) {
	src, err := cfg.SourceIP()
	if err != nil {
		return session.Params{}, err
	}
	dst, err := cfg.DestinationIP()
	if err != nil {
		return session.Params{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return session.Params{}, err
	}
	srcMAC, peerMAC, err := resolveMACs(r, cfg, src, dst)
	if err != nil {
		return session.Params{}, err
	}
	return session.Params{
		SrcIP:             src,
		DstIP:             dst,
		SrcMAC:            srcMAC,
		PeerMAC:           peerMAC,
		TCPPort:           cfg.TCPPort,
		UDPPort:           cfg.UDPPort,
		PeerUDPPort:       cfg.PeerUDPPort,
		PayloadSize:       cfg.PayloadSize,
		QPID:              cfg.QPID,
		DstQPID:           cfg.DstQPID,
		Location:          loc,
		QPDepth:           cfg.QPDepth,
		RKey:              cfg.RKey,
		PKey:              cfg.PKey,
		PSNSeed:           cfg.PSNSeed,
		ConnectAttempts:   cfg.ConnectAttempts,
		ConnectInterval:   cfg.ConnectInterval,
		DoneTimeout:       cfg.DoneTimeout,
		PostTimeout:       cfg.PostTimeout,
		WaitEnter:         cfg.WaitEnter,
		MaxMismatchReport: cfg.MaxMismatchReport,
		CoordTOS:          cfg.CoordTOS,
		Debug:             cfg.Debug,
		Out:               out,
	}, nil
}

// Runner runs one role end to end
type Runner struct {
	Config   *config.ReadConfig
	Version  string
	Out      io.Writer
	Resolver MACResolver
	// NewDevice overrides backend selection
	NewDevice func(cfg *config.ReadConfig) (rdma.Device, error)
	// Recorder overrides the recorder built from the metrics settings
	Recorder telemetry.Recorder
}

// Run validates the configuration, runs the configured role and maps the
// outcome to an error carrying the exit code
func (r *Runner) Run(ctx context.Context) error {
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	if r.Out == nil {
		r.Out = os.Stdout
	}
	if r.Resolver == nil {
		r.Resolver = neigh.NewResolver()
	}
	if r.NewDevice == nil {
		r.NewDevice = NewDevice
	}

	params, err := Params(cfg, r.Resolver, r.Out)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	rec := r.Recorder
	if rec == nil {
		rec, err = telemetry.New(ctx, telemetry.Options{
			Enabled:           cfg.MetricsEnabled,
			InstanceID:        cfg.InstanceID,
			Version:           r.Version,
			OtelCollectorAddr: cfg.OtelCollectorAddr,
			PushgatewayURL:    cfg.PushgatewayURL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
			rec = telemetry.Nop{}
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics")
		}
	}()

	dev, err := r.NewDevice(cfg)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	s := session.New(dev, params)
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Session teardown reported errors")
		}
	}()

	log.Info().
		Str("role", cfg.Role()).
		Str("backend", cfg.Backend).
		Str("src_ip", cfg.SrcIP).
		Str("dst_ip", cfg.DstIP).
		Int("payload_size", cfg.PayloadSize).
		Str("qp_location", params.Location.String()).
		Msg("Starting RDMA READ test")

	record := telemetry.RunRecord{
		Role:        cfg.Role(),
		Backend:     cfg.Backend,
		Location:    params.Location.String(),
		PayloadSize: cfg.PayloadSize,
		Outcome:     telemetry.OutcomeFailed,
	}

	if cfg.Server {
		res, err := s.RunServer(ctx)
		if err != nil {
			rec.RecordRun(ctx, record)
			return &ExitError{Code: ExitFailure, Err: err}
		}
		record.Outcome = telemetry.OutcomeUnknown
		if res.Known {
			record.RunID = res.Done.RunID.String()
			record.Mismatches = int(res.Done.Mismatches)
			record.Outcome = outcomeFor(res.Done.Status)
		}
		rec.RecordRun(ctx, record)
		log.Info().Msg("Server finished")
		return nil
	}

	res, err := s.RunClient(ctx)
	if err != nil {
		rec.RecordRun(ctx, record)
		return &ExitError{Code: ExitFailure, Err: err}
	}
	record.RunID = res.RunID.String()
	record.Latency = res.Perf.Elapsed
	record.Gbps = res.Perf.Gbps()
	record.MBps = res.Perf.MBps()
	record.Words = res.Report.Words
	record.Mismatches = res.Report.Mismatches
	record.Outcome = telemetry.OutcomePassed
	if !res.Passed() {
		record.Outcome = telemetry.OutcomeMismatch
	}
	rec.RecordRun(ctx, record)

	if !res.Passed() {
		return &ExitError{Code: ExitMismatch, Err: fmt.Errorf("%w: %d of %d words", ErrMismatch, res.Report.Mismatches, res.Report.Words)}
	}
	return nil
}

func outcomeFor(s exchange.Status) string {
	switch s {
	case exchange.StatusPassed:
		return telemetry.OutcomePassed
	case exchange.StatusMismatch:
		return telemetry.OutcomeMismatch
	default:
		return telemetry.OutcomeFailed
	}
}

// SignalContext returns a context canceled on the first SIGINT or SIGTERM.
// A second signal exits the process immediately.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	stopped := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
			cancel()
		case <-stopped:
			return
		}
		select {
		case <-sigCh:
			log.Warn().Msg("Received second signal, forcing immediate exit...")
			os.Exit(ExitFailure)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(stopped)
			cancel()
		})
	}
}

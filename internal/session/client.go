package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/exchange"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
	"github.com/yuuki/rnread/internal/verify"
)

// firstWords is how many received words debug output shows
const firstWords = 16

// Result is the outcome of a client run
type Result struct {
	RunID  uuid.UUID
	Handle uint64
	Report verify.Report
	Perf   verify.Perf
}

// Passed reports whether every word matched the golden pattern
func (r *Result) Passed() bool {
	return r.Report.Passed()
}

// received returns the bytes the READ landed in
func (s *Session) received() ([]byte, error) {
	if s.buf.Location == rdma.LocationHost {
		return s.buf.Bytes()
	}
	p := make([]byte, s.buf.Size)
	if err := s.dev.ReadDMA(s.buf, p); err != nil {
		return nil, fmt.Errorf("failed to copy received data out of device memory: %w", err)
	}
	return p, nil
}

// post submits one READ of the whole buffer from handle and times the
// blocking submission
func (s *Session) post(ctx context.Context, handle uint64) (time.Duration, error) {
	p := s.params
	if err := s.lc.Require(rdma.StateReady); err != nil {
		return 0, err
	}
	wqe := rdma.WQE{
		WRID:       1,
		Opcode:     rdma.OpRead,
		LocalAddr:  s.buf.DMA,
		Length:     uint32(p.PayloadSize),
		RemoteAddr: handle,
		RKey:       p.RKey,
	}
	if err := s.dev.PostWQE(p.QPID, wqe); err != nil {
		return 0, fmt.Errorf("failed to build READ WQE: %w", err)
	}

	if p.PostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PostTimeout)
		defer cancel()
	}
	return verify.Time(func() error {
		return s.dev.PostSend(ctx, p.QPID)
	})
}

// RunClient fetches the server's buffer with one RDMA READ and verifies it.
// A verification mismatch is reported in the Result, not as an error.
func (s *Session) RunClient(ctx context.Context) (*Result, error) {
	p := s.params
	res := &Result{RunID: uuid.New()}

	if err := s.Open(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(p.DstIP.String(), strconv.Itoa(int(p.TCPPort)))
	log.Info().Str("addr", addr).Str("run_id", res.RunID.String()).Msg("Connecting to server")
	conn, err := exchange.Dial(ctx, addr, exchange.DialOptions{
		Attempts: p.ConnectAttempts,
		Interval: p.ConnectInterval,
		TOS:      p.CoordTOS,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res.Handle, err = conn.ReceiveHandle(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("handle", fmt.Sprintf("0x%x", res.Handle)).Msg("Received remote buffer address")

	fail := func(err error) (*Result, error) {
		if serr := conn.SendDone(exchange.Done{Status: exchange.StatusFailed, RunID: res.RunID}); serr != nil {
			log.Debug().Err(serr).Msg("Failed to report failure to server")
		}
		return nil, err
	}

	if err := s.Setup(nil); err != nil {
		return fail(err)
	}

	log.Info().Int("payload_size", p.PayloadSize).Uint32("qp_id", p.QPID).Msg("Issuing RDMA READ")
	elapsed, err := s.post(ctx, res.Handle)
	if err != nil {
		return fail(err)
	}
	res.Perf = verify.Measure(p.PayloadSize, elapsed)
	log.Info().Dur("elapsed", elapsed).Msg("RDMA READ completed")

	data, err := s.received()
	if err != nil {
		return fail(err)
	}
	if s.afterRead != nil {
		s.afterRead(data)
	}

	if p.Debug {
		verify.WriteFirstWords(p.Out, data, firstWords)
	}
	res.Report = verify.Check(data, p.MaxMismatchReport)
	verify.WriteVerdict(p.Out, res.Report)
	verify.WriteSummary(p.Out, res.Perf, p.Location.String())

	done := exchange.Done{Status: exchange.StatusPassed, Mismatches: uint32(res.Report.Mismatches), RunID: res.RunID}
	if !res.Passed() {
		done.Status = exchange.StatusMismatch
	}
	if err := conn.SendDone(done); err != nil {
		log.Warn().Err(err).Msg("Failed to send completion message to server")
	}

	if p.Debug {
		if err := regs.DumpQP(p.Out, s.dev.Registers(), p.QPID); err != nil {
			log.Warn().Err(err).Msg("Failed to dump QP registers")
		}
	}
	return res, nil
}

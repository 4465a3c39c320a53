package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rnread/internal/exchange"
	"github.com/yuuki/rnread/internal/rdma"
	"github.com/yuuki/rnread/internal/regs"
	"github.com/yuuki/rnread/internal/verify"
)

// ServerResult is what the server learned about the run
type ServerResult struct {
	Handle uint64
	// Known is false when the client went away or the wait timed out
	// before a completion message arrived
	Known bool
	Done  exchange.Done
}

// fillGolden writes the golden pattern into buf before it is registered
func (s *Session) fillGolden(buf *rdma.Buffer) error {
	if buf.Location == rdma.LocationHost {
		p, err := buf.Bytes()
		if err != nil {
			return err
		}
		verify.Fill(p)
		return nil
	}
	p := make([]byte, buf.Size)
	verify.Fill(p)
	if err := s.dev.WriteDMA(buf, p); err != nil {
		return fmt.Errorf("failed to copy golden pattern to device memory: %w", err)
	}
	return nil
}

// RunServer exposes the golden buffer and hands its address to one client.
// The buffer is filled and the QP is Ready before the listener opens.
func (s *Session) RunServer(ctx context.Context) (*ServerResult, error) {
	p := s.params
	if err := s.Setup(s.fillGolden); err != nil {
		return nil, err
	}
	log.Info().
		Int("payload_size", p.PayloadSize).
		Str("qp_location", p.Location.String()).
		Msg("Server buffer filled with golden pattern")

	addr := net.JoinHostPort(p.SrcIP.String(), strconv.Itoa(int(p.TCPPort)))
	l, err := exchange.Listen(ctx, addr, p.CoordTOS)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	log.Info().Str("addr", addr).Msg("Waiting for client connection")

	conn, err := l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res := &ServerResult{Handle: s.buf.VA}
	if err := conn.SendHandle(res.Handle); err != nil {
		return nil, err
	}
	log.Info().Str("handle", fmt.Sprintf("0x%x", res.Handle)).Msg("Sent buffer address to client")

	waitDone := !p.WaitEnter
	if p.WaitEnter {
		fmt.Fprintln(p.Out, "Press Enter to exit...")
		switch err := waitLine(ctx, p.Stdin); {
		case errors.Is(err, io.EOF):
			log.Info().Msg("Standard input closed, waiting for the client's completion message")
			waitDone = true
		case err != nil:
			return nil, err
		}
	}
	if waitDone {
		done, err := conn.WaitDone(ctx, p.DoneTimeout)
		switch {
		case err == nil:
			res.Known = true
			res.Done = done
			log.Info().
				Str("run_id", done.RunID.String()).
				Str("status", done.Status.String()).
				Uint32("mismatches", done.Mismatches).
				Msg("Client reported completion")
		case errors.Is(err, exchange.ErrPeerGone), errors.Is(err, exchange.ErrDoneTimeout):
			log.Warn().Err(err).Msg("Client finished without reporting, result unknown")
		default:
			return nil, err
		}
	}

	if p.Debug {
		if err := regs.DumpQP(p.Out, s.dev.Registers(), p.QPID); err != nil {
			log.Warn().Err(err).Msg("Failed to dump QP registers")
		}
	}
	return res, nil
}

// waitLine blocks until a line is read from r or ctx is done. It returns
// io.EOF when r ends before a newline.
func waitLine(ctx context.Context, r io.Reader) error {
	ch := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(r).ReadString('\n')
		ch <- err
	}()
	select {
	case err := <-ch:
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

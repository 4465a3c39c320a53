// Package exchange implements the one-shot TCP coordination channel of a
// READ run: the server hands the client an 8-byte remote buffer handle and
// the client answers with a fixed-size completion message.
package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"
)

const (
	// HandleSize is the wire size of a remote buffer handle
	HandleSize = 8
	// DoneSize is the wire size of a completion message
	DoneSize = 28
)

var doneMagic = [4]byte{'R', 'N', 'D', 'N'}

var (
	// ErrShortHandle is returned when the channel closes mid-handle
	ErrShortHandle = errors.New("truncated remote buffer handle")
	// ErrBadDone is returned for a malformed completion message
	ErrBadDone = errors.New("malformed completion message")
	// ErrPeerGone is returned when the client closes or resets the channel
	// without a completion message
	ErrPeerGone = errors.New("peer closed the channel without a completion message")
	// ErrDoneTimeout is returned when no completion message arrives in time
	ErrDoneTimeout = errors.New("timed out waiting for completion message")
)

// EncodeHandle renders addr in network byte order
func EncodeHandle(addr uint64) [HandleSize]byte {
	var b [HandleSize]byte
	binary.BigEndian.PutUint64(b[:], addr)
	return b
}

// DecodeHandle parses a handle in network byte order
func DecodeHandle(b []byte) (uint64, error) {
	if len(b) != HandleSize {
		return 0, fmt.Errorf("%w: %d of %d bytes", ErrShortHandle, len(b), HandleSize)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Status is the verdict a client reports back
type Status uint32

const (
	StatusPassed Status = iota
	StatusMismatch
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusMismatch:
		return "mismatch"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Done is the client's completion message
type Done struct {
	Status     Status
	Mismatches uint32
	RunID      uuid.UUID
}

func (d Done) MarshalBinary() ([]byte, error) {
	b := make([]byte, DoneSize)
	copy(b[0:4], doneMagic[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(d.Status))
	binary.BigEndian.PutUint32(b[8:12], d.Mismatches)
	copy(b[12:], d.RunID[:])
	return b, nil
}

func (d *Done) UnmarshalBinary(b []byte) error {
	if len(b) != DoneSize {
		return fmt.Errorf("%w: %d bytes", ErrBadDone, len(b))
	}
	if [4]byte(b[0:4]) != doneMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadDone, b[0:4])
	}
	d.Status = Status(binary.BigEndian.Uint32(b[4:8]))
	d.Mismatches = binary.BigEndian.Uint32(b[8:12])
	copy(d.RunID[:], b[12:])
	return nil
}

func setTOS(c net.Conn, tos int) error {
	if tos == 0 {
		return nil
	}
	if err := ipv4.NewConn(c).SetTOS(tos); err != nil {
		return fmt.Errorf("failed to set TOS 0x%02x: %w", tos, err)
	}
	return nil
}

// Listener accepts the single client of a run
type Listener struct {
	ln  net.Listener
	tos int
}

// Listen binds addr (host:port)
func Listen(ctx context.Context, addr string, tos int) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, tos: tos}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for one connection and stops listening
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	c, err := l.ln.Accept()
	l.ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("accept canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to accept client: %w", err)
	}
	if err := setTOS(c, l.tos); err != nil {
		c.Close()
		return nil, err
	}
	log.Info().Str("client", c.RemoteAddr().String()).Msg("Client connected")
	return &Conn{c: c}, nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// DialOptions bound the client's connection attempts
type DialOptions struct {
	Attempts int
	Interval time.Duration
	TOS      int
}

// retryable reports whether a failed connect may succeed once the server listens
func retryable(err error) bool {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	case errors.As(err, &ne) && ne.Timeout():
		return true
	}
	return false
}

// Dial connects to addr, retrying refused, reset or timed-out attempts at
// most Attempts times, spaced Interval apart. Other errors fail at once.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	attempts := max(opts.Attempts, 1)
	limiter := ratelimit.NewUnlimited()
	if opts.Interval > 0 {
		limiter = ratelimit.New(1, ratelimit.Per(opts.Interval), ratelimit.WithoutSlack)
	}
	dialer := net.Dialer{Timeout: max(opts.Interval, time.Second)}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		limiter.Take()
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial canceled: %w", err)
		}
		c, err := dialer.DialContext(ctx, "tcp4", addr)
		if err == nil {
			if err := setTOS(c, opts.TOS); err != nil {
				c.Close()
				return nil, err
			}
			log.Info().Str("server", addr).Int("attempt", attempt).Msg("Connected to server")
			return &Conn{c: c}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial canceled: %w", ctx.Err())
		}
		if !retryable(err) {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		lastErr = err
		log.Debug().Err(err).Str("server", addr).Int("attempt", attempt).Int("max_attempts", attempts).Msg("Connect attempt failed")
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", addr, attempts, lastErr)
}

// Conn is an established coordination channel
type Conn struct {
	c net.Conn
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// SendHandle writes the remote buffer handle in one write
func (c *Conn) SendHandle(addr uint64) error {
	b := EncodeHandle(addr)
	n, err := c.c.Write(b[:])
	if err != nil {
		return fmt.Errorf("failed to send buffer handle: %w", err)
	}
	if n != HandleSize {
		return fmt.Errorf("%w: wrote %d bytes", ErrShortHandle, n)
	}
	return nil
}

// readFull reads len(p) bytes, unblocking when ctx is done
func (c *Conn) readFull(ctx context.Context, p []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() { c.c.SetReadDeadline(time.Now()) })
	defer stop()
	n, err := io.ReadFull(c.c, p)
	if err != nil && ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, err
}

// ReceiveHandle blocks until all eight handle bytes have arrived
func (c *Conn) ReceiveHandle(ctx context.Context) (uint64, error) {
	var b [HandleSize]byte
	n, err := c.readFull(ctx, b[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return 0, fmt.Errorf("%w: received %d of %d bytes", ErrShortHandle, n, HandleSize)
	default:
		return 0, fmt.Errorf("failed to receive buffer handle: %w", err)
	}
	return DecodeHandle(b[:])
}

// SendDone reports the client's verdict
func (c *Conn) SendDone(d Done) error {
	b, _ := d.MarshalBinary()
	if _, err := c.c.Write(b); err != nil {
		return fmt.Errorf("failed to send completion message: %w", err)
	}
	return nil
}

// WaitDone blocks for the client's completion message. A zero timeout waits
// until ctx is done.
func (c *Conn) WaitDone(ctx context.Context, timeout time.Duration) (Done, error) {
	var d Done
	if timeout > 0 {
		c.c.SetReadDeadline(time.Now().Add(timeout))
		defer c.c.SetReadDeadline(time.Time{})
	}
	b := make([]byte, DoneSize)
	n, err := c.readFull(ctx, b)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return d, ErrPeerGone
	case errors.Is(err, syscall.ECONNRESET):
		return d, fmt.Errorf("%w: connection reset", ErrPeerGone)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return d, fmt.Errorf("%w: %d of %d bytes", ErrBadDone, n, DoneSize)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return d, fmt.Errorf("%w after %s", ErrDoneTimeout, timeout)
	default:
		return d, fmt.Errorf("failed to receive completion message: %w", err)
	}
	if err := d.UnmarshalBinary(b); err != nil {
		return d, err
	}
	return d, nil
}

func (c *Conn) Close() error {
	return c.c.Close()
}

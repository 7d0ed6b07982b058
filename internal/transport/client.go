package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/ligustah/segfs/pkg/segfs"
)

// Common errors.
var (
	ErrTimeout = errors.New("transport: timed out waiting for packets")
	ErrClosed  = errors.New("transport: client closed")
)

// Options configures the UDP client.
type Options struct {
	// Timeout is how long to wait for a datagram before resending the
	// request. Zero waits forever.
	// Default: 0
	Timeout time.Duration

	// RetryAttempts is the number of consecutive timeouts tolerated before
	// FetchPacket gives up with ErrTimeout.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// BatchSize is the number of datagrams read per system call. Values
	// above 1 use recvmmsg where the platform has it.
	// Default: 1
	BatchSize int

	// ReadBuffer sets the socket receive buffer in bytes. Zero keeps the
	// system default.
	ReadBuffer int

	// Logf receives diagnostic messages. Nil discards them.
	Logf func(format string, args ...any)
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
		BatchSize:       1,
	}
}

// Client is a connected UDP socket speaking the segment protocol.
type Client struct {
	conn *net.UDPConn
	opts Options

	// Single reads.
	buf []byte

	// Batched reads.
	batch *ipv4.PacketConn
	msgs  []ipv4.Message
	queue [][]byte

	timeouts int
	requests int
	closed   bool
}

// Dial resolves addr and opens a UDP socket connected to it.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set read buffer: %w", err)
		}
	}

	c := &Client{conn: conn, opts: opts}
	if opts.BatchSize > 1 {
		c.batch = ipv4.NewPacketConn(conn)
		c.msgs = make([]ipv4.Message, opts.BatchSize)
		for i := range c.msgs {
			c.msgs[i].Buffers = [][]byte{make([]byte, segfs.MaxPacketSize)}
		}
	} else {
		c.buf = make([]byte, segfs.MaxPacketSize)
	}
	return c, nil
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Requests returns the number of request datagrams sent, including resends.
func (c *Client) Requests() int {
	return c.requests
}

// SendRequest sends the empty datagram that asks the server to start sending.
func (c *Client) SendRequest(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.requests++
	if _, err := c.conn.Write(nil); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// FetchPacket blocks until the next datagram arrives and decodes it.
//
// When Timeout is set and nothing arrives in time, or the server refuses the
// request because it is not listening yet, the request is resent after a
// backoff. After RetryAttempts consecutive timeouts it returns
// ErrTimeout. Decode failures are returned as *segfs.MalformedPacketError.
func (c *Client) FetchPacket(ctx context.Context) (segfs.Packet, error) {
	if c.closed {
		return segfs.Packet{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return segfs.Packet{}, err
	}

	// Unblock a pending read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		data, err := c.next()
		if err == nil {
			c.timeouts = 0
			return segfs.Decode(data)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return segfs.Packet{}, ctxErr
		}
		if !retryable(err) {
			return segfs.Packet{}, fmt.Errorf("read packet: %w", err)
		}

		c.timeouts++
		if c.timeouts > c.opts.RetryAttempts {
			return segfs.Packet{}, fmt.Errorf("%w: no packets after %d attempts", ErrTimeout, c.timeouts)
		}
		if err := c.backoff(ctx, c.timeouts); err != nil {
			return segfs.Packet{}, err
		}
		c.logf("No packets from %s, resending request (attempt %d/%d)",
			c.conn.RemoteAddr(), c.timeouts, c.opts.RetryAttempts)
		if err := c.SendRequest(ctx); err != nil && !retryable(err) {
			return segfs.Packet{}, err
		}
	}
}

// retryable reports whether a failed read should trigger a resend: the
// server went quiet, or is not listening yet.
func retryable(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED)
}

// next returns the next raw datagram, reading a new batch if the queue is
// empty. The returned slice is only valid until the following call.
func (c *Client) next() ([]byte, error) {
	if len(c.queue) > 0 {
		data := c.queue[0]
		c.queue = c.queue[1:]
		return data, nil
	}

	var deadline time.Time
	if c.opts.Timeout > 0 {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	if c.batch == nil {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			return nil, err
		}
		return c.buf[:n], nil
	}

	n, err := c.batch.ReadBatch(c.msgs, 0)
	if err != nil {
		return nil, err
	}
	c.queue = c.queue[:0]
	for i := 0; i < n; i++ {
		c.queue = append(c.queue, c.msgs[i].Buffers[0][:c.msgs[i].N])
	}
	if len(c.queue) == 0 {
		return nil, fmt.Errorf("read batch: no messages")
	}
	data := c.queue[0]
	c.queue = c.queue[1:]
	return data, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	if c.opts.RetryBackoff <= 0 {
		return nil
	}
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if c.opts.RetryMaxBackoff > 0 && backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// Close closes the socket.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logf != nil {
		c.opts.Logf(format, args...)
	}
}

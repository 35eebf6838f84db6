package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/pkg/metrics"
)

const (
	readBufferSize     = 4096
	inboundQueueDepth  = 128
	outboundQueueDepth = 256
	acceptQueueDepth   = 16
	writeTimeout       = 10 * time.Second
	dialTimeout        = 5 * time.Second
)

var (
	// ErrConnectionClosed is returned by SendFrame after the connection went
	// down.
	ErrConnectionClosed = errors.New("engine: connection closed")

	// ErrSlowConsumer is returned when a peer cannot keep up with its
	// outbound stream. The connection is closed rather than letting one
	// slow peer stall every session.
	ErrSlowConsumer = errors.New("engine: slow consumer")
)

// Connection is one TCP link to a counterparty. A reader goroutine frames
// the inbound byte stream onto the inbound channel and a writer goroutine
// drains the outbound channel to the socket, so the engine's duty cycle
// never blocks on the network.
type Connection struct {
	id     int64
	conn   net.Conn
	remote string

	inbound  chan []byte
	outbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

func newConnection(id int64, conn net.Conn, log *zap.Logger) *Connection {
	return &Connection{
		id:       id,
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		inbound:  make(chan []byte, inboundQueueDepth),
		outbound: make(chan []byte, outboundQueueDepth),
		closed:   make(chan struct{}),
		log:      log,
	}
}

// ID returns the engine-wide connection id.
func (c *Connection) ID() int64 { return c.id }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() string { return c.remote }

// Inbound delivers complete frames. The channel closes when the connection
// is down and fully drained.
func (c *Connection) Inbound() <-chan []byte { return c.inbound }

// Done closes when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// SendFrame queues an encoded frame for delivery. The bytes are copied, so
// the caller may reuse its buffer immediately. A peer that cannot drain its
// queue is disconnected.
func (c *Connection) SendFrame(frame []byte) error {
	out := make([]byte, len(frame))
	copy(out, frame)
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- out:
		metrics.MessagesSent.WithLabelValues(msgTypeOf(out)).Inc()
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		c.log.Warn("disconnecting slow consumer",
			zap.Int64("connection_id", c.id),
			zap.String("remote_addr", c.remote))
		c.Close()
		return ErrSlowConsumer
	}
}

// Close tears the connection down. Safe to call from any goroutine and more
// than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Connection) readLoop() {
	defer close(c.inbound)
	defer c.Close()

	framer := &Framer{}
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			framer.Push(buf[:n])
			for {
				frame, ferr := framer.Next()
				if ferr != nil {
					c.log.Warn("garbled inbound stream",
						zap.Int64("connection_id", c.id),
						zap.Error(ferr))
					metrics.MessagesRejected.WithLabelValues("garbled").Inc()
					continue
				}
				if frame == nil {
					break
				}
				out := make([]byte, len(frame))
				copy(out, frame)
				select {
				case c.inbound <- out:
				case <-c.closed:
					return
				}
			}
		}
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("connection read ended",
					zap.Int64("connection_id", c.id),
					zap.Error(err))
			}
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(frame); err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn("connection write failed",
						zap.Int64("connection_id", c.id),
						zap.Error(err))
				}
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Receiver owns the gateway's TCP surface. It accepts counterparty
// connections, dials initiated ones, and allocates connection ids from one
// monotonic counter so every link is addressable for disconnects.
type Receiver struct {
	listener net.Listener
	accepted chan *Connection
	log      *zap.Logger

	nextConnectionID atomic.Int64

	mu    sync.Mutex
	conns map[int64]*Connection

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReceiver binds the gateway's listen address.
func NewReceiver(bindAddress string, log *zap.Logger) (*Receiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, fmt.Errorf("engine: listen on %s: %w", bindAddress, err)
	}
	return &Receiver{
		listener: listener,
		accepted: make(chan *Connection, acceptQueueDepth),
		conns:    make(map[int64]*Connection),
		closed:   make(chan struct{}),
		log:      log,
	}, nil
}

// Addr returns the bound listen address, useful when binding port 0.
func (r *Receiver) Addr() net.Addr { return r.listener.Addr() }

// Accepted delivers inbound connections to the engine.
func (r *Receiver) Accepted() <-chan *Connection { return r.accepted }

// Start launches the accept loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.acceptLoop()
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closed:
			default:
				r.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		c := r.launch(conn)
		select {
		case r.accepted <- c:
		case <-r.closed:
			c.Close()
			return
		}
	}
}

// Dial opens an initiated connection and runs it like an accepted one.
func (r *Receiver) Dial(ctx context.Context, address string) (*Connection, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", address, err)
	}
	return r.launch(conn), nil
}

func (r *Receiver) launch(conn net.Conn) *Connection {
	c := newConnection(r.nextConnectionID.Add(1), conn, r.log)
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		c.readLoop()
		r.mu.Lock()
		delete(r.conns, c.id)
		r.mu.Unlock()
	}()
	go func() {
		defer r.wg.Done()
		c.writeLoop()
	}()
	return c
}

// RequestDisconnect closes the identified connection. Unknown ids are a
// no-op, matching a disconnect racing the peer hanging up.
func (r *Receiver) RequestDisconnect(connectionID int64) {
	r.mu.Lock()
	c := r.conns[connectionID]
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close stops accepting, drops every live connection and waits for the
// connection goroutines to finish.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.listener.Close()
	})
	r.mu.Lock()
	for _, c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

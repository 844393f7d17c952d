package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// defaultQueueSize bounds the outbound box queue per connection. A peer
// that stops reading fails with ErrQueueFull instead of growing memory.
const defaultQueueSize = 64

// Responder handles one inbound command. Raw argument fields are decoded
// by the responder; the returned value is encoded as the result fields.
// Responders run in their own goroutine, so a slow responder never
// blocks later frames on the same connection.
type Responder func(ctx context.Context, fields cbor.RawMessage) (any, error)

// Dispatcher multiplexes outbound command invocations and inbound
// command handling over one transport stream. Outbound calls are
// correlated to responses by a per-connection ID; inbound commands are
// routed to registered responders.
type Dispatcher struct {
	conn       net.Conn
	responders map[string]Responder

	callTimeout time.Duration
	onClose     func(error)
	log         *slog.Logger

	out chan Box

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Box

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCallTimeout bounds every Call that has no earlier context
// deadline. Zero means no timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.callTimeout = d }
}

// WithQueueSize sets the outbound queue bound.
func WithQueueSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.out = make(chan Box, n)
		}
	}
}

// WithOnClose registers a hook invoked exactly once when the connection
// closes, with the close reason.
func WithOnClose(hook func(error)) Option {
	return func(disp *Dispatcher) { disp.onClose = hook }
}

// NewDispatcher wraps a connection. Register responders with Handle
// before calling Run.
func NewDispatcher(conn net.Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:       conn,
		responders: make(map[string]Responder),
		out:        make(chan Box, defaultQueueSize),
		pending:    make(map[uint64]chan Box),
		closed:     make(chan struct{}),
		log:        slog.With("component", "wire", "remote", conn.RemoteAddr().String()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers the responder for a command name. Not safe to call
// after Run.
func (d *Dispatcher) Handle(command string, responder Responder) {
	d.responders[command] = responder
}

// Run processes frames until the connection closes, then returns the
// close reason (nil for a clean peer shutdown). Frames are handled in
// the order received; responses may be written out of order.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			d.fail(ctx.Err())
		case <-d.closed:
		}
	}()

	for {
		box, err := ReadBox(d.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				d.fail(nil)
			} else {
				d.fail(err)
			}
			break
		}
		if box.IsResponse() {
			d.completePending(box)
			continue
		}
		go d.respond(ctx, box)
	}

	<-d.closed
	return d.closeErr
}

// Call invokes a remote command and blocks until the response arrives,
// the context ends, or the connection closes. A nil reply discards the
// result fields. An error response from the peer is returned as a
// *RemoteError.
func (d *Dispatcher) Call(ctx context.Context, command string, args any, reply any) error {
	if d.callTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
			defer cancel()
		}
	}

	fields, err := encodeFields(args)
	if err != nil {
		return err
	}

	ch := make(chan Box, 1)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.pending[id] = ch
	d.mu.Unlock()

	if err := d.enqueue(Box{ID: id, Command: command, Fields: fields}); err != nil {
		d.dropPending(id)
		return err
	}

	deliver := func(box Box) error {
		if box.Error != nil {
			return &RemoteError{Code: box.Error.Code, Message: box.Error.Message}
		}
		return decodeFields(box.Fields, reply)
	}
	select {
	case box := <-ch:
		return deliver(box)
	case <-ctx.Done():
		d.dropPending(id)
		return ctx.Err()
	case <-d.closed:
		// A response racing the close still wins.
		select {
		case box := <-ch:
			return deliver(box)
		default:
			return ErrConnectionLost
		}
	}
}

// Close tears the connection down. Pending calls fail with
// ErrConnectionLost.
func (d *Dispatcher) Close() error {
	d.fail(nil)
	return nil
}

// Done is closed when the connection has fully shut down.
func (d *Dispatcher) Done() <-chan struct{} { return d.closed }

func (d *Dispatcher) respond(ctx context.Context, box Box) {
	responder, ok := d.responders[box.Command]
	if !ok {
		d.log.Debug("unhandled command", "command", box.Command)
		_ = d.enqueue(Box{ID: box.ID, Error: &BoxError{
			Code:    CodeUnhandledCommand,
			Message: fmt.Sprintf("no responder for command %q", box.Command),
		}})
		return
	}

	result, err := responder(ctx, box.Fields)
	if err != nil {
		_ = d.enqueue(Box{ID: box.ID, Error: responderError(err)})
		return
	}
	fields, err := encodeFields(result)
	if err != nil {
		_ = d.enqueue(Box{ID: box.ID, Error: &BoxError{Code: CodeInternal, Message: err.Error()}})
		return
	}
	_ = d.enqueue(Box{ID: box.ID, Fields: fields})
}

func responderError(err error) *BoxError {
	var deser *DeserializationError
	if errors.As(err, &deser) {
		return &BoxError{Code: CodeBadArgument, Message: err.Error()}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &BoxError{Code: remote.Code, Message: remote.Message}
	}
	return &BoxError{Code: CodeInternal, Message: err.Error()}
}

func (d *Dispatcher) completePending(box Box) {
	d.mu.Lock()
	ch, ok := d.pending[box.ID]
	delete(d.pending, box.ID)
	d.mu.Unlock()
	if !ok {
		d.log.Debug("response with no pending call", "id", box.ID)
		return
	}
	ch <- box
}

func (d *Dispatcher) dropPending(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) enqueue(box Box) error {
	select {
	case <-d.closed:
		return ErrConnectionLost
	default:
	}
	select {
	case d.out <- box:
		return nil
	default:
		d.fail(ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) writeLoop() {
	for {
		select {
		case box := <-d.out:
			if err := WriteBox(d.conn, box); err != nil {
				d.fail(err)
				return
			}
		case <-d.closed:
			return
		}
	}
}

// fail shuts the connection down exactly once. All pending calls
// complete with ErrConnectionLost and the OnClose hook fires.
func (d *Dispatcher) fail(reason error) {
	d.closeOnce.Do(func() {
		d.closeErr = reason
		_ = d.conn.Close()

		// Pending callers observe d.closed and fail with
		// ErrConnectionLost; their entries just get cleared.
		d.mu.Lock()
		d.pending = make(map[uint64]chan Box)
		d.mu.Unlock()
		close(d.closed)

		if reason != nil && !errors.Is(reason, context.Canceled) {
			d.log.Debug("connection failed", "err", reason)
		}
		if d.onClose != nil {
			d.onClose(reason)
		}
	})
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"drover"

	"drover/internal/logging"
	"drover/internal/wire"
)

// VersionPolicy decides what happens when the control service reports a
// protocol major version other than ours.
type VersionPolicy int

const (
	// VersionPolicyWarn logs the mismatch and proceeds. The default:
	// during a rolling upgrade a short-lived skew is expected.
	VersionPolicyWarn VersionPolicy = iota
	// VersionPolicyStrict drops the connection and retries later.
	VersionPolicyStrict
)

// ClientConfig carries the agent client's settings.
type ClientConfig struct {
	// ControlAddr is the control service's TCP address.
	ControlAddr string

	// VersionPolicy selects the mismatch behavior. Defaults to warn.
	VersionPolicy VersionPolicy

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// CallTimeout bounds the handshake and every state report.
	CallTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the retry backoff. Each
	// failed attempt doubles the delay up to the max; a connection
	// that survives the handshake resets it.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Client maintains the agent's connection to the control service. It
// dials, verifies the protocol version, delivers cluster updates to the
// convergencer, and reconnects with backoff when the connection drops.
type Client struct {
	config      ClientConfig
	convergence Convergencer
	log         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Start begins connecting.
func NewClient(config ClientConfig, convergence Convergencer) *Client {
	config.applyDefaults()
	return &Client{
		config:      config,
		convergence: convergence,
		log:         logging.Component("agent", "control", config.ControlAddr),
	}
}

// Start launches the connection loop in a background goroutine.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop tears the connection down and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	backoff := c.config.ReconnectMin
	for {
		handshaken, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("control connection failed", "err", err, "retry_in", backoff)
		} else {
			c.log.Info("control connection closed", "retry_in", backoff)
		}
		if handshaken {
			backoff = c.config.ReconnectMin
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.ReconnectMax {
			backoff = c.config.ReconnectMax
		}
	}
}

// connectOnce runs one connection to completion. The returned bool
// reports whether the version handshake succeeded, which resets the
// retry backoff.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.ControlAddr)
	if err != nil {
		return false, fmt.Errorf("dial control service: %w", err)
	}

	dispatcher := wire.NewDispatcher(conn, wire.WithCallTimeout(c.config.CallTimeout))
	session := newSession(dispatcher, c.convergence, c.log)
	dispatcher.Handle(wire.CommandClusterStatus, session.clusterStatus)

	runDone := make(chan error, 1)
	go func() { runDone <- dispatcher.Run(ctx) }()

	var version wire.VersionResponse
	if err := dispatcher.Call(ctx, wire.CommandVersion, nil, &version); err != nil {
		_ = dispatcher.Close()
		<-runDone
		return false, fmt.Errorf("version handshake: %w", err)
	}
	if version.Major != wire.ProtocolMajorVersion {
		if c.config.VersionPolicy == VersionPolicyStrict {
			_ = dispatcher.Close()
			<-runDone
			return false, fmt.Errorf("control service speaks protocol %d, want %d", version.Major, wire.ProtocolMajorVersion)
		}
		c.log.Warn("protocol version mismatch", "control", version.Major, "agent", wire.ProtocolMajorVersion)
	}

	c.log.Info("connected to control service", "protocol", version.Major)
	session.start(ctx)
	err = <-runDone
	session.stop()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return true, err
}

// session serializes convergencer callbacks for one connection. Pushes
// arriving from the dispatcher land in a one-slot latest-wins channel;
// a dedicated goroutine drains it, so callbacks never overlap and a
// slow convergencer only ever skips intermediate views, which full
// snapshots make safe.
type session struct {
	dispatcher  *wire.Dispatcher
	convergence Convergencer
	log         *slog.Logger

	updates chan clusterUpdate
	done    chan struct{}
}

type clusterUpdate struct {
	configuration drover.Deployment
	state         drover.Deployment
}

func newSession(dispatcher *wire.Dispatcher, convergence Convergencer, log *slog.Logger) *session {
	return &session{
		dispatcher:  dispatcher,
		convergence: convergence,
		log:         log,
		updates:     make(chan clusterUpdate, 1),
	}
}

// clusterStatus is the ClusterStatus responder. It acknowledges as soon
// as the update is decoded and queued; convergence happens on the
// session goroutine.
func (s *session) clusterStatus(ctx context.Context, fields cbor.RawMessage) (any, error) {
	var args wire.ClusterStatusArgs
	if err := wire.DecodeArgs(fields, &args); err != nil {
		return nil, err
	}
	configuration, state, err := args.Decode()
	if err != nil {
		return nil, err
	}

	update := clusterUpdate{configuration: configuration, state: state}
	for {
		select {
		case s.updates <- update:
			return wire.Ack{}, nil
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *session) start(ctx context.Context) {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.convergence.Connected(ctx, s)
		defer s.convergence.Disconnected()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.dispatcher.Done():
				return
			case update := <-s.updates:
				s.convergence.ClusterUpdated(ctx, update.configuration, update.state)
			}
		}
	}()
}

func (s *session) stop() {
	if s.done != nil {
		<-s.done
	}
}

// ReportNodeState sends one node's observed state over this session's
// connection.
func (s *session) ReportNodeState(ctx context.Context, hostname string, node drover.Node) error {
	args, err := wire.NewNodeStateArgs(hostname, node)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Call(ctx, wire.CommandNodeState, args, nil); err != nil {
		return fmt.Errorf("report node state: %w", err)
	}
	return nil
}

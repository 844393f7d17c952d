package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"drover"

	"drover/internal/logging"
	"drover/internal/wire"
)

// ServerConfig carries the control listener's settings.
type ServerConfig struct {
	// ListenAddr is the TCP address agents connect to.
	ListenAddr string

	// EvictOnDisconnect removes a connection's reported hostnames from
	// the merged state when the connection drops. Off by default: a
	// briefly partitioned agent keeps its last known state.
	EvictOnDisconnect bool

	// PushTimeout bounds each ClusterStatus delivery to one agent.
	PushTimeout time.Duration
}

const defaultPushTimeout = 30 * time.Second

// Server accepts agent connections and wires each one to the
// aggregator: inbound NodeState reports flow in through a locator,
// outbound ClusterStatus pushes flow out through a per-connection peer.
type Server struct {
	config     ServerConfig
	aggregator *Aggregator
	log        *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds a control server over a started aggregator.
func NewServer(config ServerConfig, aggregator *Aggregator) *Server {
	if config.PushTimeout <= 0 {
		config.PushTimeout = defaultPushTimeout
	}
	return &Server{
		config:     config,
		aggregator: aggregator,
		log:        logging.Component("control"),
	}
}

// Start binds the listener and begins accepting agents.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	s.log.Info("control service listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop closes the listener and every agent connection, then waits for
// the connection goroutines to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Info("agent connected", "remote", remote)

	locator := NewLocator(s.aggregator)
	dispatcher := wire.NewDispatcher(conn)
	locator.Register(dispatcher)

	peer := newAgentPeer(dispatcher, s.config.PushTimeout, s.log.With("remote", remote))
	if err := s.aggregator.AddPeer(ctx, peer); err != nil {
		_ = dispatcher.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		peer.run(ctx)
	}()

	err := dispatcher.Run(ctx)
	cancel()

	// The aggregator may be stopping too; don't hang the teardown.
	cleanup, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCleanup()
	_ = s.aggregator.RemovePeer(cleanup, peer)
	if s.config.EvictOnDisconnect {
		for _, hostname := range locator.ReportedHostnames() {
			_ = s.aggregator.Evict(cleanup, hostname)
		}
	}

	if err != nil {
		s.log.Info("agent disconnected", "remote", remote, "err", err)
	} else {
		s.log.Info("agent disconnected", "remote", remote)
	}
}

// agentPeer delivers ClusterStatus pushes to one agent. Deliveries are
// coalesced: a push arriving while an older one is still queued
// replaces it, so a slow agent receives the latest view instead of a
// backlog. Full-state pushes make the newest one sufficient.
type agentPeer struct {
	dispatcher  *wire.Dispatcher
	pushTimeout time.Duration
	log         *slog.Logger

	updates chan clusterStatus
}

type clusterStatus struct {
	configuration drover.Deployment
	state         drover.Deployment
}

func newAgentPeer(dispatcher *wire.Dispatcher, pushTimeout time.Duration, log *slog.Logger) *agentPeer {
	return &agentPeer{
		dispatcher:  dispatcher,
		pushTimeout: pushTimeout,
		log:         log,
		updates:     make(chan clusterStatus, 1),
	}
}

// Push queues a delivery without blocking, dropping any older queued
// delivery.
func (p *agentPeer) Push(configuration, state drover.Deployment) {
	update := clusterStatus{configuration: configuration, state: state}
	for {
		select {
		case p.updates <- update:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

func (p *agentPeer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.dispatcher.Done():
			return
		case update := <-p.updates:
			if err := p.send(ctx, update); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, wire.ErrConnectionLost) {
					p.log.Warn("cluster status push failed", "err", err)
				}
				// An agent that cannot take pushes is failed; drop the
				// connection so it reconnects with a clean slate.
				_ = p.dispatcher.Close()
				return
			}
		}
	}
}

func (p *agentPeer) send(ctx context.Context, update clusterStatus) error {
	args, err := wire.NewClusterStatusArgs(update.configuration, update.state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.pushTimeout)
	defer cancel()
	return p.dispatcher.Call(ctx, wire.CommandClusterStatus, args, nil)
}

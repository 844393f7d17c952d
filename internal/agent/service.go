package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"drover"

	"drover/internal/logging"
)

// Service is the convergence service: on every cluster update it finds
// this node's desired applications in the configuration, drives the
// container runtime toward them, and reports the resulting observed
// state back to the control service.
type Service struct {
	hostname string
	deployer NodeDeployer
	clock    ClockChecker
	log      *slog.Logger

	mu       sync.Mutex
	reporter StateReporter
}

// NewService creates a convergence service for the given hostname. The
// clock checker may be nil to skip clock validation.
func NewService(hostname string, deployer NodeDeployer, clock ClockChecker) *Service {
	return &Service{
		hostname: hostname,
		deployer: deployer,
		clock:    clock,
		log:      logging.Component("convergence", "hostname", hostname),
	}
}

// Connected stores the reporter and sends an initial state report, so
// the control service learns about this node before the first update.
func (s *Service) Connected(ctx context.Context, reporter StateReporter) {
	s.mu.Lock()
	s.reporter = reporter
	s.mu.Unlock()
	s.log.Info("connected, reporting initial state")
	if err := s.report(ctx); err != nil {
		s.log.Warn("initial state report failed", "err", err)
	}
}

// Disconnected drops the reporter. Convergence pauses until the client
// reconnects.
func (s *Service) Disconnected() {
	s.mu.Lock()
	s.reporter = nil
	s.mu.Unlock()
	s.log.Info("disconnected from control service")
}

// ClusterUpdated converges this node toward its slice of the desired
// configuration and reports the observed outcome. A node absent from
// the configuration converges toward running nothing.
func (s *Service) ClusterUpdated(ctx context.Context, configuration, state drover.Deployment) {
	if s.clock != nil {
		if err := s.clock.CheckClock(ctx); err != nil {
			s.log.Warn("clock check failed, skipping convergence", "err", err)
			return
		}
	}

	var desired []drover.Application
	if node, ok := configuration.Node(s.hostname); ok {
		desired = node.Applications
	}

	if err := s.deployer.Converge(ctx, desired); err != nil {
		s.log.Error("convergence failed", "err", err)
		// Still report: the control service should see what actually
		// runs, converged or not.
	}
	if err := s.report(ctx); err != nil {
		s.log.Warn("state report failed", "err", err)
	}
}

// report discovers the local applications and sends them as this
// node's observed state.
func (s *Service) report(ctx context.Context) error {
	s.mu.Lock()
	reporter := s.reporter
	s.mu.Unlock()
	if reporter == nil {
		return fmt.Errorf("not connected")
	}

	applications, err := s.deployer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover local state: %w", err)
	}
	node, err := drover.NewNode(s.hostname, applications)
	if err != nil {
		return fmt.Errorf("build node state: %w", err)
	}
	return reporter.ReportNodeState(ctx, s.hostname, node)
}

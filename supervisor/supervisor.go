// Package supervisor drives the control flow between the hot-plug detector,
// the module manager, and the recovery advisor: it drains device events,
// binds drivers to present devices, unbinds removed ones, and executes the
// advisor's recovery actions when something fails.
package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/driverkit/driverkit"
	"github.com/driverkit/driverkit/errors"
	"github.com/driverkit/driverkit/hotplug"
	"github.com/driverkit/driverkit/loader"
	"github.com/driverkit/driverkit/recovery"
	"github.com/driverkit/driverkit/registry"
)

// Supervisor owns the scheduler loop. Not safe for concurrent Steps; run it
// from a single goroutine (Run does).
type Supervisor struct {
	log     *zap.Logger
	clk     clock.Clock
	reg     *registry.Registry
	det     *hotplug.Detector
	mgr     *loader.Manager
	adv     *recovery.Advisor
	drivers map[hotplug.BusType]driverkit.ModuleID
	mu      sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clk = c }
}

// New wires a supervisor over the four components.
func New(reg *registry.Registry, det *hotplug.Detector, mgr *loader.Manager, adv *recovery.Advisor, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:     zap.NewNop(),
		clk:     clock.New(),
		reg:     reg,
		det:     det,
		mgr:     mgr,
		adv:     adv,
		drivers: make(map[hotplug.BusType]driverkit.ModuleID),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BindDriver declares which module drives devices appearing on a bus.
func (s *Supervisor) BindDriver(bus hotplug.BusType, id driverkit.ModuleID) {
	s.mu.Lock()
	s.drivers[bus] = id
	s.mu.Unlock()
}

func (s *Supervisor) driverFor(bus hotplug.BusType) (driverkit.ModuleID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.drivers[bus]
	return id, ok
}

// Step performs one scheduler pass: drain queued device events, then walk
// the device table and advance every device that needs work. Individual
// failures are aggregated, not fatal to the pass.
func (s *Supervisor) Step(ctx context.Context) error {
	s.det.Drain()

	var errs error
	for _, dev := range s.det.Devices() {
		switch dev.State {
		case hotplug.Present:
			drv, ok := s.driverFor(dev.Desc.Bus)
			if !ok {
				continue
			}
			if err := s.bind(ctx, dev.Desc.Device, drv); err != nil {
				errs = multierr.Append(errs, err)
			}

		case hotplug.Unbinding:
			if err := s.unbind(ctx, dev); err != nil {
				errs = multierr.Append(errs, err)
			}

		case hotplug.Removed:
			if err := s.det.AcknowledgeRemoval(dev.Desc.Device); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// Run calls Step at the given interval until the context ends.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				s.log.Warn("scheduler pass had failures", zap.Error(err))
			}
		}
	}
}

// bind loads a driver for one present device, executing recovery actions on
// failure until the load succeeds or the advisor gives up. A removal during
// the load wins: the bind is abandoned quietly.
func (s *Supervisor) bind(ctx context.Context, dev hotplug.DeviceID, mod driverkit.ModuleID) error {
	ticket, err := s.det.BeginBinding(dev)
	if err != nil {
		return err
	}

	attempt := func() error {
		return s.mgr.Load(ctx, mod, loader.WithCancel(ticket.Cancelled))
	}

	err = attempt()
	for err != nil {
		if stderrors.Is(err, errors.Match(errors.PhaseLoad, errors.KindCancelled)) {
			s.det.AbortBinding(dev)
			s.log.Info("binding abandoned, device removed",
				zap.String("device", string(dev)),
				zap.String("module", string(mod)))
			return nil
		}

		act := s.adv.ReportError(mod, err.Error())
		signature := err.Error()

		switch act.Strategy {
		case recovery.StrategyRetry:
			s.clk.Sleep(act.Backoff)

		case recovery.StrategyReinitialize:
			s.reg.ForceCleanupModule(mod)

		case recovery.StrategyUnload:
			s.reg.ForceCleanupModule(mod)
			s.det.AbortBinding(dev)
			return err

		default:
			s.det.AbortBinding(dev)
			s.log.Error("binding escalated",
				zap.String("device", string(dev)),
				zap.String("module", string(mod)),
				zap.Error(err))
			return err
		}

		err = attempt()
		s.adv.RecordOutcome(mod, signature, act.Strategy, err == nil)
	}

	if cerr := s.det.ConfirmBind(dev, mod); cerr != nil {
		// Device vanished between load and confirmation; undo the load.
		return s.mgr.Unload(ctx, mod, true)
	}
	return nil
}

// unbind tears down the driver of a removed device.
func (s *Supervisor) unbind(ctx context.Context, dev hotplug.DeviceInfo) error {
	if dev.BoundModule != driverkit.NoModule {
		err := s.mgr.Unload(ctx, dev.BoundModule, true)
		switch {
		case err == nil:
		case stderrors.Is(err, errors.Match(errors.PhaseUnload, errors.KindNotFound)),
			stderrors.Is(err, errors.Match(errors.PhaseUnload, errors.KindInvalidState)):
			// Already gone; nothing to tear down.
		default:
			return err
		}
	}
	return s.det.ConfirmUnbound(dev.Desc.Device)
}

// HandleFault routes a runtime fault on an active module through the
// advisor and executes the returned action. The caller gets the action back
// so it can apply retry backoff to its own operation.
func (s *Supervisor) HandleFault(ctx context.Context, subject driverkit.ModuleID, signature string) recovery.Action {
	act := s.adv.ReportError(subject, signature)

	switch act.Strategy {
	case recovery.StrategyRetry:
		s.clk.Sleep(act.Backoff)

	case recovery.StrategyReinitialize:
		err := s.mgr.Unload(ctx, subject, true)
		if err == nil {
			err = s.mgr.Load(ctx, subject)
		}
		s.adv.RecordOutcome(subject, signature, act.Strategy, err == nil)

	case recovery.StrategyUnload:
		err := s.mgr.Unload(ctx, subject, true)
		s.adv.RecordOutcome(subject, signature, act.Strategy, err == nil)

	default:
		s.log.Error("fault escalated",
			zap.String("module", string(subject)),
			zap.String("signature", signature))
	}
	return act
}

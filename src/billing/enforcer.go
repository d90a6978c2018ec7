package billing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/telamesh/exitd/src/registry"
)

// Config groups the enforcer's knobs.
type Config struct {
	// Interval is the time between reconciliation cycles.
	Interval time.Duration

	// SuspendThreshold is the debt above which an Active client is
	// suspended.
	SuspendThreshold int64

	// ResumeThreshold is the debt at or below which a Suspended client is
	// resumed.
	ResumeThreshold int64

	// RemovalGrace is how long a client may stay Suspended over the suspend
	// threshold before removal.
	RemovalGrace time.Duration

	// InactivityLimit is how long a client may go without contact before
	// removal. Zero disables inactivity removal.
	InactivityLimit time.Duration
}

// Enforcement is what the enforcer needs from the admission controller.
type Enforcement interface {
	SuspendClient(clientID string) error
	ResumeClient(clientID string) error
	RemoveClient(clientID string) error
	RecordDebt(clientID string, debt int64) error
}

// Enforcer periodically reconciles each client's ledger debt against the
// suspend and resume thresholds. It runs independently of client-facing
// requests; the two sides race on the registry and the conflict-checked
// update arbitrates. Enforcement fails open: a ledger that cannot be
// queried leaves the affected clients untouched until the next cycle.
type Enforcer struct {
	conf   Config
	reg    registry.Registry
	ledger Ledger
	ctrl   Enforcement
	logger *logrus.Entry

	// cycleLock keeps cycles from overlapping if Reconcile is invoked while
	// the timer-driven run is in progress.
	cycleLock sync.Mutex
	cycles    uint64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	doneCh       chan struct{}
}

// NewEnforcer ...
func NewEnforcer(conf Config, reg registry.Registry, ledger Ledger, ctrl Enforcement, logger *logrus.Entry) *Enforcer {
	return &Enforcer{
		conf:       conf,
		reg:        reg,
		ledger:     ledger,
		ctrl:       ctrl,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run invokes the enforcement loop. Cycles are driven off a single ticker
// in a single goroutine, so the next cycle waits for the prior one to
// finish rather than stacking up.
func (e *Enforcer) Run() {
	defer close(e.doneCh)

	e.logger.WithField("interval", e.conf.Interval).Debug("Billing enforcer running")

	ticker := time.NewTicker(e.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Reconcile()
		case <-e.shutdownCh:
			return
		}
	}
}

// Shutdown stops the loop and waits for an in-flight cycle to finish.
func (e *Enforcer) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})
	<-e.doneCh
}

// Cycles returns how many reconciliation cycles have completed.
func (e *Enforcer) Cycles() uint64 {
	return atomic.LoadUint64(&e.cycles)
}

// Reconcile runs one enforcement cycle.
func (e *Enforcer) Reconcile() {
	e.cycleLock.Lock()
	defer e.cycleLock.Unlock()

	e.enforceDebt()
	e.enforceInactivity()

	atomic.AddUint64(&e.cycles, 1)
}

func (e *Enforcer) enforceDebt() {
	clients, err := e.reg.ListByState(registry.Active, registry.Suspended)
	if err != nil {
		e.logger.WithError(err).Error("Listing billable clients")
		return
	}

	now := time.Now().UTC()

	for _, c := range clients {
		debt, err := e.ledger.GetDebt(c.ID)
		if err != nil {
			// fail open: better to keep serving a paying client through a
			// ledger outage than to wrongly suspend one
			e.logger.WithField("client", c.ID).WithError(err).Warn("Ledger unreachable, skipping")
			continue
		}

		if err := e.ctrl.RecordDebt(c.ID, debt); err != nil {
			e.logger.WithField("client", c.ID).WithError(err).Error("Recording debt")
		}

		switch {
		case c.State == registry.Active && debt > e.conf.SuspendThreshold:
			e.logger.WithFields(logrus.Fields{
				"client": c.ID,
				"debt":   debt,
			}).Info("Debt above threshold, suspending")

			if err := e.ctrl.SuspendClient(c.ID); err != nil {
				e.logger.WithField("client", c.ID).WithError(err).Error("Suspending client")
			}

		case c.State == registry.Suspended && debt <= e.conf.ResumeThreshold:
			e.logger.WithFields(logrus.Fields{
				"client": c.ID,
				"debt":   debt,
			}).Info("Debt cleared, resuming")

			if err := e.ctrl.ResumeClient(c.ID); err != nil {
				e.logger.WithField("client", c.ID).WithError(err).Error("Resuming client")
			}

		case c.State == registry.Suspended &&
			debt > e.conf.SuspendThreshold &&
			!c.SuspendedAt.IsZero() &&
			now.Sub(c.SuspendedAt) > e.conf.RemovalGrace:

			e.logger.WithFields(logrus.Fields{
				"client":    c.ID,
				"debt":      debt,
				"suspended": c.SuspendedAt,
			}).Warn("Debt unpaid past grace period, removing")

			if err := e.ctrl.RemoveClient(c.ID); err != nil {
				e.logger.WithField("client", c.ID).WithError(err).Error("Removing client")
			}
		}
	}
}

func (e *Enforcer) enforceInactivity() {
	if e.conf.InactivityLimit == 0 {
		return
	}

	clients, err := e.reg.List()
	if err != nil {
		e.logger.WithError(err).Error("Listing clients")
		return
	}

	now := time.Now().UTC()

	for _, c := range clients {
		if c.State == registry.Removed {
			continue
		}
		if c.LastSeen.IsZero() || now.Sub(c.LastSeen) <= e.conf.InactivityLimit {
			continue
		}

		e.logger.WithFields(logrus.Fields{
			"client":    c.ID,
			"last_seen": c.LastSeen,
		}).Warn("Client inactive past limit, removing")

		if err := e.ctrl.RemoveClient(c.ID); err != nil {
			e.logger.WithField("client", c.ID).WithError(err).Error("Removing client")
		}
	}
}

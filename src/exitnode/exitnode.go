package exitnode

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/telamesh/exitd/src/admission"
	"github.com/telamesh/exitd/src/billing"
	"github.com/telamesh/exitd/src/config"
	"github.com/telamesh/exitd/src/mesh"
	"github.com/telamesh/exitd/src/registry"
	"github.com/telamesh/exitd/src/service"
	"github.com/telamesh/exitd/src/tunnel"
	"github.com/telamesh/exitd/src/verify"
)

// ExitNode is the top-level object wiring configuration, the client
// registry, the collaborators and the control loops into one exit-node
// controller.
type ExitNode struct {
	Config     *config.Config
	Registry   registry.Registry
	Controller *admission.Controller
	Enforcer   *billing.Enforcer
	Service    *service.Service

	sigintCh chan os.Signal
}

// NewExitNode instantiates an engine around a config object. Init must be
// called before Run.
func NewExitNode(conf *config.Config) *ExitNode {
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	return &ExitNode{
		Config:   conf,
		sigintCh: sigintCh,
	}
}

// Init builds every component in dependency order and reconciles
// collaborator state with the registry.
func (x *ExitNode) Init() error {
	if err := x.initRegistry(); err != nil {
		return err
	}

	x.initCollaborators()

	if err := x.initController(); err != nil {
		return err
	}

	x.initEnforcer()

	x.Service = service.NewService(x.Config.APIAddr, x.Controller, x.Enforcer, x.Config.Logger())

	// collaborators lost their state with the previous process; make them
	// agree with the registry before taking traffic
	return x.Controller.Recover()
}

func (x *ExitNode) initRegistry() error {
	if !x.Config.Store {
		x.Registry = registry.NewInmemRegistry()

		x.Config.Logger().Debug("created new in-mem registry")

		return nil
	}

	x.Config.Logger().WithField("path", x.Config.DatabaseDir).Debug("Attempting to load or create database")

	reg, err := registry.NewBadgerRegistry(x.Config.DatabaseDir)
	if err != nil {
		return err
	}

	x.Registry = reg

	return nil
}

// initCollaborators fills in in-memory stand-ins for any collaborator the
// caller did not provide. Deployments wire real implementations through
// the config object.
func (x *ExitNode) initCollaborators() {
	logger := x.Config.Logger()

	if x.Config.Kernel == nil {
		logger.Warn("No kernel interface configured, using in-memory tunnels")
		x.Config.Kernel = tunnel.NewInmemKernel()
	}
	if x.Config.Routing == nil {
		logger.Warn("No routing daemon configured, using in-memory routes")
		x.Config.Routing = mesh.NewInmemDaemon()
	}
	if x.Config.Ledger == nil {
		logger.Warn("No payment ledger configured, using in-memory ledger")
		x.Config.Ledger = billing.NewInmemLedger()
	}
	if x.Config.Sender == nil {
		logger.Warn("No delivery transport configured, logging codes instead")
		x.Config.Sender = verify.NewInmemSender(logger)
	}
}

func (x *ExitNode) initController() error {
	logger := x.Config.Logger()

	allocator, err := mesh.NewAllocator(x.Config.PoolCIDR, x.Registry)
	if err != nil {
		return err
	}

	verifier := verify.NewVerifier(
		x.Config.CodeLength,
		x.Config.CodeTTL,
		x.Config.CodeCooldown,
		x.Config.Sender,
		logger,
	)

	provisioner := tunnel.NewProvisioner(x.Config.Kernel, logger)
	advertiser := mesh.NewAdvertiser(x.Config.Routing, logger)

	x.Controller = admission.NewController(
		x.Registry,
		verifier,
		allocator,
		provisioner,
		advertiser,
		x.Config.SuspendTeardown,
		logger,
	)

	return nil
}

func (x *ExitNode) initEnforcer() {
	x.Enforcer = billing.NewEnforcer(
		billing.Config{
			Interval:         x.Config.EnforceInterval,
			SuspendThreshold: x.Config.SuspendThreshold,
			ResumeThreshold:  x.Config.ResumeThreshold,
			RemovalGrace:     x.Config.RemovalGrace,
			InactivityLimit:  x.Config.InactivityLimit,
		},
		x.Registry,
		x.Config.Ledger,
		x.Controller,
		x.Config.Logger(),
	)
}

// Run starts the API and the billing enforcer, and blocks until SIGINT.
func (x *ExitNode) Run() {
	go x.Service.Serve()
	go x.Enforcer.Run()

	<-x.sigintCh

	x.Config.Logger().Debug("Reacting to SIGINT - SHUTDOWN")

	x.Shutdown()
}

// Shutdown stops the enforcer and closes the registry. The enforcer is
// stopped first so no cycle runs against a closed database.
func (x *ExitNode) Shutdown() {
	x.Enforcer.Shutdown()

	if err := x.Registry.Close(); err != nil {
		x.Config.Logger().WithError(err).Error("Closing registry")
	}
}

package realenv

import (
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/rs/zerolog"
)

// Membership reports cluster node membership and quorum. The real
// implementation reads this from the cluster filesystem's own membership
// view (pmxcfs in Proxmox VE); detecting and maintaining that membership
// information is an external collaborator per §1 — this interface is the
// seam Environment needs, not a reimplementation of cluster membership.
type Membership interface {
	Online() map[string]bool
	Quorate() bool
}

// Config bundles everything needed to construct a production Environment.
type Config struct {
	NodeID         string
	KV             *KVStore
	Locks          *LockManager
	Membership     Membership
	WatchdogSocket string
	Fencer         env.FenceExecutor
	Notifier       env.Notifier
	Logger         zerolog.Logger
}

// Environment is the production env.Environment implementation.
type Environment struct {
	cfg      Config
	watchdog *WatchdogClient
	logger   zerolog.Logger
}

// New builds a production Environment from cfg.
func New(cfg Config) *Environment {
	return &Environment{
		cfg:      cfg,
		watchdog: NewWatchdogClient(cfg.WatchdogSocket),
		logger:   cfg.Logger.With().Str("node_id", cfg.NodeID).Logger(),
	}
}

func (e *Environment) NodeID() string { return e.cfg.NodeID }

func (e *Environment) Now() time.Time { return time.Now() }

func (e *Environment) Quorate() bool { return e.cfg.Membership.Quorate() }

func (e *Environment) Online() map[string]bool { return e.cfg.Membership.Online() }

func (e *Environment) KV() env.KVStore { return e.cfg.KV }

func (e *Environment) Locks() env.LockManager { return e.cfg.Locks }

func (e *Environment) Watchdog() env.WatchdogClient { return e.watchdog }

func (e *Environment) Fencer() env.FenceExecutor { return e.cfg.Fencer }

func (e *Environment) Notifier() env.Notifier { return e.cfg.Notifier }

func (e *Environment) Log() zerolog.Logger { return e.logger }

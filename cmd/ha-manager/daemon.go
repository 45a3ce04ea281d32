package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bins-dev/pve-ha-manager/pkg/config"
	"github.com/bins-dev/pve-ha-manager/pkg/crm"
	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/bins-dev/pve-ha-manager/pkg/env/realenv"
	"github.com/bins-dev/pve-ha-manager/pkg/lrm"
	"github.com/bins-dev/pve-ha-manager/pkg/metrics"
	"github.com/bins-dev/pve-ha-manager/pkg/registry"
	"github.com/bins-dev/pve-ha-manager/pkg/registry/ctdriver"
	"github.com/bins-dev/pve-ha-manager/pkg/registry/vmdriver"
	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

var crmCmd = &cobra.Command{
	Use:   "crm",
	Short: "Run the cluster resource manager loop on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, "crm")
	},
}

var lrmCmd = &cobra.Command{
	Use:   "lrm",
	Short: "Run the local resource manager loop on this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, "lrm")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{crmCmd, lrmCmd} {
		cmd.Flags().String("health-addr", ":8080", "Address to serve /health, /ready and /metrics on")
		addDriverSpecFlags(cmd)
	}
}

// runDaemon wires a production Environment and registry, then runs either
// the CRM or LRM control loop until an interrupt/TERM signal arrives
// (modeled on the teacher's "start subsystems, wait on sigCh, shut down in
// order" main-command shape).
func runDaemon(cmd *cobra.Command, which string) error {
	nodeID, err := resolveNodeID(cmd)
	if err != nil {
		return err
	}
	logger := initLogger(cmd, nodeID)

	kv, err := openKVStore(cmd)
	if err != nil {
		return err
	}
	defer kv.Close()

	metrics.SetVersion(Version)
	metrics.ReportKV(true, "")

	e, err := buildEnvironment(cmd, nodeID, kv, logger)
	if err != nil {
		metrics.ReportLock(false, err.Error())
		return err
	}
	metrics.ReportLock(true, "")

	reg, err := buildRegistry(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	switch which {
	case "crm":
		mgr := crm.New(e, reg, crm.Config{})
		go func() { errCh <- mgr.Run(ctx) }()
	case "lrm":
		mgr := lrm.New(e, reg, lrm.Config{})
		go func() { errCh <- mgr.Run(ctx) }()
	default:
		return fmt.Errorf("ha-manager: unknown daemon %q", which)
	}

	healthAddr, _ := cmd.Flags().GetString("health-addr")
	healthSrv := newHealthServer(healthAddr)
	go func() {
		if err := healthSrv.start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("daemon loop exited")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.server.Shutdown(shutdownCtx)

	return nil
}

// buildEnvironment assembles a realenv.Environment from the command's
// flags and KV-resident fence.cfg/datacenter.cfg, picking the fencer the
// documented default (watchdog mode, §3) or an explicit fence.cfg calls
// for (§4.3).
func buildEnvironment(cmd *cobra.Command, nodeID string, kv *realenv.KVStore, logger zerolog.Logger) (*realenv.Environment, error) {
	nodes, _ := cmd.Flags().GetStringSlice("nodes")
	if len(nodes) == 0 {
		nodes = []string{nodeID}
	}
	lockMgr := realenv.NewLockManager(kv.DB())

	dcData, err := kv.Read(cmdContext(), "datacenter.cfg")
	var dc config.DatacenterConfig
	switch {
	case errors.Is(err, env.ErrNotExist):
		dc = config.DefaultDatacenterConfig()
	case err != nil:
		return nil, fmt.Errorf("ha-manager: read datacenter.cfg: %w", err)
	default:
		dc, err = config.ParseDatacenter(dcData)
		if err != nil {
			return nil, fmt.Errorf("ha-manager: parse datacenter.cfg: %w", err)
		}
	}

	fencer, err := buildFencer(kv, lockMgr, dc)
	if err != nil {
		return nil, err
	}

	cfg := realenv.Config{
		NodeID:         nodeID,
		KV:             kv,
		Locks:          lockMgr,
		Membership:     newStaticMembership(nodes),
		WatchdogSocket: realenv.DefaultWatchdogSocket,
		Fencer:         fencer,
		Notifier:       &realenv.LogNotifier{},
		Logger:         logger,
	}
	return realenv.New(cfg), nil
}

// buildFencer picks between watchdog-steal and hardware fencing per
// datacenter.cfg's fence_mode (§4.3), reading fence.cfg's device/group
// definitions when hardware mode is configured.
func buildFencer(kv *realenv.KVStore, lockMgr *realenv.LockManager, dc config.DatacenterConfig) (env.FenceExecutor, error) {
	if dc.FenceMode != types.FenceModeHardware {
		return &realenv.WatchdogStealFencer{Locks: lockMgr}, nil
	}

	fenceData, err := kv.Read(cmdContext(), "fence.cfg")
	if errors.Is(err, env.ErrNotExist) {
		return nil, fmt.Errorf("ha-manager: fence_mode hardware requires fence.cfg")
	}
	if err != nil {
		return nil, fmt.Errorf("ha-manager: read fence.cfg: %w", err)
	}
	fenceCfg, err := config.ParseFence(fenceData)
	if err != nil {
		return nil, fmt.Errorf("ha-manager: parse fence.cfg: %w", err)
	}
	return fenceCfg.BuildHardwareFencer()
}

func buildRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	specPath, _ := cmd.Flags().GetString("driver-specs")
	specs, err := loadDriverSpecs(specPath)
	if err != nil {
		return nil, err
	}

	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	reg := registry.New()
	reg.Register("vm", vmdriver.New(specs.vmSpecs()))

	ctDrv, err := ctdriver.New(containerdSocket, specs.ctSpecs())
	if err != nil {
		return nil, fmt.Errorf("ha-manager: build ct driver: %w", err)
	}
	reg.Register("ct", ctDrv)

	reg.Freeze()
	return reg, nil
}

func cmdContext() context.Context { return context.Background() }

// healthServer serves the daemon's liveness/readiness/metrics endpoints,
// grounded on the teacher's pkg/api.HealthServer shape.
type healthServer struct {
	server *http.Server
}

func newHealthServer(addr string) *healthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &healthServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (h *healthServer) start() error {
	return h.server.ListenAndServe()
}

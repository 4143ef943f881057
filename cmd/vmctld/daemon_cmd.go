package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/infrasim/vmctld/attestation"
	"github.com/infrasim/vmctld/cas"
	"github.com/infrasim/vmctld/cryptoutil"
	"github.com/infrasim/vmctld/daemonconfig"
	"github.com/infrasim/vmctld/launcher"
	"github.com/infrasim/vmctld/launcher/volumeprep"
	"github.com/infrasim/vmctld/reconcile"
	"github.com/infrasim/vmctld/registry"
	"github.com/infrasim/vmctld/rpc"
	"github.com/infrasim/vmctld/store"
)

type DaemonCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"Action to perform: start, stop, restart, or status (default). Shows daemon status if omitted."`
}

// Run handles all daemon command variants.
func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	client := rpc.NewClient(cctx.AppBaseDir)

	switch c.Action {
	case "start":
		return c.startDaemon(ctx, client, cctx)
	case "stop":
		return c.stopDaemon(ctx, client)
	case "restart":
		return c.restartDaemon(ctx, client, cctx)
	default:
		return c.checkStatus(ctx, client)
	}
}

func (c *DaemonCmd) checkStatus(ctx context.Context, client *rpc.Client) error {
	if err := client.Ping(ctx); err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}
	status, err := client.DaemonStatus(ctx)
	if err != nil {
		fmt.Println("Daemon is running")
		return nil
	}
	fmt.Printf("Daemon is running (pid %d, %d/%d vms running, store %s)\n",
		status.Pid, status.RunningVms, status.TotalVms, status.StorePath)
	return nil
}

// startDaemon wires the store, CAS, signing key, launcher, volume preparer,
// reconciler, and attestation generator together and blocks serving the RPC
// façade until shutdown.
func (c *DaemonCmd) startDaemon(ctx context.Context, client *rpc.Client, cctx *Context) error {
	if err := client.Ping(ctx); err == nil {
		fmt.Println("Daemon is already running")
		return nil
	}

	cfg, err := daemonconfig.Load(daemonConfigPath(cctx.AppBaseDir))
	if err != nil {
		return fmt.Errorf("loading daemon config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing daemon directories: %w", err)
	}

	db, err := store.Open(cfg.DbPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	casStore, err := cas.New(cfg.CasPath())
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}

	keys, err := cryptoutil.LoadOrGenerate(cfg.SigningKeyPath())
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	slog.Info("daemon: attestation signing key ready", "public_key", keys.PublicKeyHex())

	l := launcher.New(cfg.QmpSocketDir())
	l.PreferHvf = cfg.Qemu.PreferHvf
	vp := volumeprep.New(casStore, cfg.VolumeWorkDir())
	reg := registry.New()
	rec := reconcile.New(db, l, vp, reg, time.Duration(cfg.ReconcileTickMs)*time.Millisecond)
	att := attestation.New(keys)

	server := rpc.NewServer(cctx.AppBaseDir, db, l, rec, att)
	server.SigningKey = keys.PublicKeyBytes()
	return server.ServeUnix(ctx)
}

func (c *DaemonCmd) stopDaemon(ctx context.Context, client *rpc.Client) error {
	if err := client.Ping(ctx); err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}
	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Println("Daemon stopped")
	return nil
}

func (c *DaemonCmd) restartDaemon(ctx context.Context, client *rpc.Client, cctx *Context) error {
	if err := client.Ping(ctx); err == nil {
		if err := client.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Println("Daemon stopped")
	}

	cmd := exec.CommandContext(ctx, os.Args[0], "daemon", "start", "--log-file", cctx.LogFile)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.DialTimeout("unix", client.SocketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			fmt.Println("Daemon restarted successfully")
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start")
}

func daemonConfigPath(appBaseDir string) string {
	return filepath.Join(appBaseDir, "config.yaml")
}

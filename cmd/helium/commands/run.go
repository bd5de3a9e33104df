package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/api"
	"github.com/marmos91/helium/pkg/config"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/memfs"
	"github.com/marmos91/helium/pkg/proc"
	"github.com/marmos91/helium/pkg/vfs"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the services plane on the in-process kernel",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func run(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	k := local.NewKernel()
	k.SetLogSink(func(level kernel.LogLevel, pid uint64, msg string) {
		switch level {
		case kernel.LogDebug:
			logger.Debug(msg, logger.KeyPid, pid)
		case kernel.LogWarn:
			logger.Warn(msg, logger.KeyPid, pid)
		case kernel.LogError:
			logger.Error(msg, logger.KeyPid, pid)
		default:
			logger.Info(msg, logger.KeyPid, pid)
		}
	})

	// Pids 1 and 2 are init and idle by convention; the servers follow.
	k.Spawn("init")
	k.Spawn("idle")

	procRT := kobject.NewRuntime(k.Spawn("process-server"))
	procServer, err := proc.NewServer(procRT, &proc.FlatLoader{})
	if err != nil {
		return fmt.Errorf("start process server: %w", err)
	}

	memfsRT := kobject.NewRuntime(k.Spawn("memfs-server"))
	memfsServer, err := memfs.NewServer(memfsRT, cfg.Root.FsPort)
	if err != nil {
		return fmt.Errorf("start memfs server: %w", err)
	}

	errs := make(chan error, 4)
	go func() { errs <- procServer.Run() }()
	go func() { errs <- memfsServer.Run() }()

	vfsRT := kobject.NewRuntime(k.Spawn("vfs-server"))
	vfsServer, err := vfs.NewServer(vfsRT)
	if err != nil {
		return fmt.Errorf("start vfs server: %w", err)
	}
	vfsServer.SetSymlinkLimit(cfg.VFS.MaxSymlinkExpansions)
	if err := vfsServer.MountRoot(cfg.Root.FsPort, cfg.Root.Args); err != nil {
		return err
	}
	go func() { errs <- vfsServer.Run() }()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(cfg.API.Listen, procServer, vfsServer)
		go func() { errs <- apiServer.Run() }()
	}

	logger.Info("services plane up",
		"root_fs", cfg.Root.FsPort, "api", cfg.API.Enabled)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errs:
		if err != nil {
			logger.Error("server failed", logger.KeyError, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if apiServer != nil {
		_ = apiServer.Shutdown(ctx)
	}
	vfsServer.Shutdown()
	memfsServer.Shutdown()
	procServer.Shutdown()
	return nil
}

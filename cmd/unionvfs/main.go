package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	unionfuse "unionvfs/internal/fuse"
	"unionvfs/internal/logging"
	"unionvfs/internal/platform"
	"unionvfs/internal/state"
	"unionvfs/internal/vfs"
)

var (
	logger = logging.GetLogger()
)

type options struct {
	mountPoint    string
	archives      []string
	writeDir      string
	writeMount    string
	configFile    string
	metricsListen string
	allowSymlinks bool
	verbose       bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("unionvfs", pflag.ContinueOnError)
	flags.StringVar(&opts.mountPoint, "mount", "", "Mount point for the unified filesystem")
	flags.StringArrayVar(&opts.archives, "archive", nil, "Archive to mount read-only, as source[=mountpoint]; .cpio files mount as containers (repeatable)")
	flags.StringVar(&opts.writeDir, "write-dir", "", "Host directory receiving all writes")
	flags.StringVar(&opts.writeMount, "write-mount", "/", "Mount point of the write directory")
	flags.StringVar(&opts.configFile, "config", "", "Persisted mount configuration; command line archives are added to it")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "Address to serve Prometheus metrics on")
	flags.BoolVar(&opts.allowSymlinks, "allow-symlinks", false, "Follow symbolic links inside mounted directories, even when they point outside them")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// mountSpecs merges the persisted configuration with the command line.
func mountSpecs(opts *options) ([]state.MountSpec, error) {
	var specs []state.MountSpec
	var manager *state.Manager

	if opts.configFile != "" {
		logger.Info("Loading mount configuration...")
		var err error
		manager, err = state.NewManager(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg, err := manager.LoadConfig()
		if err != nil {
			return nil, err
		}
		specs = append(specs, cfg.Mounts...)
	}

	var added []state.MountSpec
	for _, arg := range opts.archives {
		spec, err := state.ParseMountArg(arg)
		if err != nil {
			return nil, err
		}
		added = append(added, spec)
	}
	if opts.writeDir != "" {
		for i := range specs {
			specs[i].Writable = false
		}
		added = append(added, state.MountSpec{
			Source:     opts.writeDir,
			MountPoint: opts.writeMount,
			Kind:       state.KindDirectory,
			Writable:   true,
		})
	}
	for _, spec := range added {
		specs = upsert(specs, spec)
	}

	cfg := &state.MountConfig{Version: state.CurrentVersion, Mounts: specs}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if manager != nil && len(added) > 0 {
		if err := manager.SaveConfig(cfg); err != nil {
			return nil, err
		}
		logger.Info("Saved %d mounts to %s", len(specs), manager.Path())
	}
	return specs, nil
}

// upsert replaces the spec with the same source and mount point, or appends
// spec when there is none.
func upsert(specs []state.MountSpec, spec state.MountSpec) []state.MountSpec {
	for i, existing := range specs {
		if existing.Source == spec.Source && existing.MountPoint == spec.MountPoint {
			specs[i] = spec
			return specs
		}
	}
	return append(specs, spec)
}

func openArchive(pio platform.IO, spec state.MountSpec) (vfs.Archive, error) {
	switch spec.Kind {
	case state.KindCPIO:
		return vfs.OpenCPIOArchive(spec.Source)
	default:
		return vfs.NewDirectoryArchive(pio, filepath.Clean(spec.Source), !spec.Writable)
	}
}

// buildVFS mounts every spec in order.
func buildVFS(pio platform.IO, specs []state.MountSpec, withMetrics bool) (*vfs.VFS, error) {
	v := vfs.New(pio)
	for _, spec := range specs {
		archive, err := openArchive(pio, spec)
		if err != nil {
			shutdown(v)
			return nil, fmt.Errorf("failed to open %s: %w", spec.Source, err)
		}
		if withMetrics {
			archive = vfs.NewMetricsArchive(archive, spec.Kind)
		}
		mountPoint := spec.MountPoint
		if mountPoint == "" {
			mountPoint = vfs.Root
		}
		if err := v.Mount(archive, mountPoint, spec.Writable); err != nil {
			if closeErr := archive.Close(); closeErr != nil {
				logger.Warn("Closing %s: %v", spec.Source, closeErr)
			}
			shutdown(v)
			return nil, err
		}
	}
	return v, nil
}

func shutdown(v *vfs.VFS) {
	if err := v.Shutdown(); err != nil {
		logger.Warn("Shutdown: %v", err)
	}
}

func run(opts *options) error {
	if opts.verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	logger.Info("Starting unionvfs...")
	logger.Debug("Mount point: %s", opts.mountPoint)

	if opts.mountPoint == "" {
		return errors.New("mount point is required")
	}
	cleanMount := filepath.Clean(opts.mountPoint)

	specs, err := mountSpecs(opts)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return errors.New("nothing to mount: pass --archive, --write-dir or --config")
	}

	pctx, err := platform.NewContext(os.Args[0])
	if err != nil {
		return err
	}
	logger.Debug("Base directory: %s, user directory: %s", pctx.BaseDir, pctx.UserDir)
	v, err := buildVFS(platform.NewOS(pctx), specs, opts.metricsListen != "")
	if err != nil {
		return err
	}
	defer shutdown(v)
	v.PermitSymlinks(opts.allowSymlinks)

	logger.Info("Mounting filesystem...")
	c, err := fuse.Mount(cleanMount, unionfuse.MountOptions("unionvfs")...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		logger.Info("Serving filesystem...")
		if err := fusefs.Serve(c, unionfuse.New(v)); err != nil {
			return fmt.Errorf("FUSE server error: %w", err)
		}
		logger.Debug("FUSE server stopped")
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Unmounting %s", cleanMount)
		if err := fuse.Unmount(cleanMount); err != nil {
			logger.Debug("Unmount error: %v", err)
		}
		return nil
	})

	if opts.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: opts.metricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics on %s", opts.metricsListen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Filesystem mounted and ready")
	err = g.Wait()
	logger.Info("Clean shutdown complete")
	return err
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

// Package daemon implements the wgguard process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/wgguard/pkg/api"
	"github.com/psaab/wgguard/pkg/cli"
	"github.com/psaab/wgguard/pkg/config"
	"github.com/psaab/wgguard/pkg/gateway"
	"github.com/psaab/wgguard/pkg/killswitch"
	"github.com/psaab/wgguard/pkg/logging"
	"github.com/psaab/wgguard/pkg/profile"
	"github.com/psaab/wgguard/pkg/resolve"
	"github.com/psaab/wgguard/pkg/session"
)

// Options configures the daemon. Non-zero fields override the config file.
type Options struct {
	ConfigFile string
	ProfileDir string
	KillSwitch *bool // enable the kill-switch on connect
	APIAddr    string
	// Headless runs without the interactive shell until a signal arrives.
	Headless bool
}

// Daemon is the main wgguard process.
type Daemon struct {
	opts Options
	cfg  *config.Config
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	return &Daemon{opts: opts}
}

// loadConfig reads the config file and applies the option overrides.
func (d *Daemon) loadConfig() error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	if d.opts.ProfileDir != "" {
		cfg.ProfileDir = d.opts.ProfileDir
	}
	if d.opts.KillSwitch != nil {
		cfg.KillSwitch.Enabled = *d.opts.KillSwitch
	}
	if d.opts.APIAddr != "" {
		cfg.APIListen = d.opts.APIAddr
	}
	d.cfg = cfg
	return nil
}

// runnerFor decides whether external commands go through sudo.
func runnerFor(cfg *config.Config, euid int) gateway.ExecRunner {
	switch cfg.Sudo {
	case config.SudoAlways:
		return gateway.ExecRunner{Sudo: true}
	case config.SudoNever:
		return gateway.ExecRunner{}
	default:
		return gateway.ExecRunner{Sudo: euid != 0}
	}
}

func policyFor(cfg *config.Config) (killswitch.Policy, error) {
	lan, err := cfg.KillSwitch.LANPrefixes()
	if err != nil {
		return killswitch.Policy{}, err
	}
	return killswitch.Policy{
		AllowLAN:  lan,
		AllowDHCP: cfg.KillSwitch.DHCPAllowed(),
		IPv6:      cfg.KillSwitch.IPv6Enabled(),
	}, nil
}

func firewallFor(cfg *config.Config, runner gateway.Runner) *gateway.IPTables {
	return &gateway.IPTables{Runner: runner, IPv6: cfg.KillSwitch.IPv6Enabled()}
}

// syslogClients dials every configured remote syslog server. Servers that
// cannot be reached are logged and skipped.
func syslogClients(cfg *config.Config) []*logging.SyslogClient {
	var clients []*logging.SyslogClient
	for _, sl := range cfg.Syslog {
		c, err := logging.NewSyslogClient(sl.Host, sl.Port)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sl.Host, "err", err)
			continue
		}
		c.MinSeverity = logging.ParseSeverity(sl.Severity)
		clients = append(clients, c)
	}
	return clients
}

// Run starts the daemon and blocks until the shell exits or a signal
// arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.loadConfig(); err != nil {
		return err
	}
	cfg := d.cfg
	slog.Info("starting wgguard",
		"config", d.opts.ConfigFile,
		"profiles", cfg.ProfileDir,
		"pid", os.Getpid())

	// Process log goes to stderr and remote syslog; status entries are
	// forwarded to syslog directly so they are not sent twice.
	base := slog.Default()
	var syslogs logging.Syslogs
	if clients := syslogClients(cfg); len(clients) > 0 {
		syslogs.Set(clients)
		slog.SetDefault(slog.New(logging.NewSyslogHandler(base.Handler(), &syslogs)))
		defer slog.SetDefault(base)
	}
	defer syslogs.Close()

	runner := runnerFor(cfg, unix.Geteuid())
	tunnel := &gateway.WGQuick{Runner: runner}
	if cfg.StatusSource == config.StatusNetlink {
		ls, err := gateway.NewLinkStatus()
		if err != nil {
			return err
		}
		defer ls.Close()
		tunnel.Source = ls
	}

	var inspector gateway.Inspector
	if wc, err := gateway.NewWGCtrl(); err != nil {
		slog.Warn("wireguard inspection unavailable", "err", err)
	} else {
		defer wc.Close()
		inspector = wc
	}

	var scanner profile.DirScanner
	if r, err := resolve.New(cfg.Resolver); err != nil {
		slog.Warn("endpoint resolution disabled", "err", err)
	} else {
		scanner.Resolver = r
	}

	store := profile.NewStore(cfg.ProfileDir, scanner)
	res, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	slog.Info("profiles loaded", "dir", cfg.ProfileDir, "count", len(res.Added))

	statusLog := logging.NewStatusLog(500)
	sinks := logging.Tee{statusLog, logging.SlogSink{Logger: base}, &syslogs}
	if cfg.LogFile != "" {
		fs, err := logging.NewFileSink(logging.FileSinkConfig{
			Path:     cfg.LogFile,
			MaxSize:  cfg.LogMaxSize,
			MaxFiles: cfg.LogMaxFiles,
		})
		if err != nil {
			slog.Warn("status log file disabled", "err", err)
		} else {
			defer fs.Close()
			sinks = append(sinks, fs)
		}
	}

	policy, err := policyFor(cfg)
	if err != nil {
		return err
	}
	ctrl := session.New(session.Options{
		Store:               store,
		Tunnel:              tunnel,
		KillSwitch:          killswitch.New(firewallFor(cfg, runner), policy),
		Inspector:           inspector,
		Log:                 sinks,
		KillSwitchOnConnect: cfg.KillSwitch.Enabled,
		Transient:           cfg.KillSwitch.Transient,
	})

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx, cfg.ReconcileInterval)
	}()

	if cfg.WatchEnabled() {
		w := &profile.Watcher{
			Store: store,
			OnReload: func(r profile.LoadResult, err error) {
				if err != nil {
					sinks.Append(logging.Entry{Action: "reload", Message: err.Error()})
					return
				}
				if len(r.Added)+len(r.Removed)+len(r.Retained) == 0 {
					return
				}
				sinks.Append(logging.Entry{Action: "reload", OK: true,
					Message: fmt.Sprintf("%d added, %d removed, %d kept while active",
						len(r.Added), len(r.Removed), len(r.Retained))})
			},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				slog.Warn("profile watcher stopped", "err", err)
			}
		}()
	}

	if cfg.APIListen != "" {
		srv := api.NewServer(api.Config{
			Addr:       cfg.APIListen,
			APIKeys:    cfg.APIKeys,
			Controller: ctrl,
			Store:      store,
			Log:        statusLog,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("API server failed", "err", err)
			}
		}()
	}

	var runErr error
	if d.opts.Headless {
		<-ctx.Done()
		slog.Info("signal received, shutting down")
	} else {
		shell := cli.New(ctrl, store, statusLog, cfg.HistoryFile)

		// Run CLI in a goroutine so we can still handle signals
		errCh := make(chan error, 1)
		go func() {
			errCh <- shell.Run(ctx)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				runErr = fmt.Errorf("CLI: %w", err)
			}
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
		runErr = errors.Join(runErr, err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// Cleanup removes every kill-switch rule set wgguard ever installed,
// including ones left behind by a previous run. Tunnels are not touched.
func (d *Daemon) Cleanup(ctx context.Context) ([]gateway.Token, error) {
	if err := d.loadConfig(); err != nil {
		return nil, err
	}
	policy, err := policyFor(d.cfg)
	if err != nil {
		return nil, err
	}
	runner := runnerFor(d.cfg, unix.Geteuid())
	return killswitch.New(firewallFor(d.cfg, runner), policy).RemoveAll(ctx)
}

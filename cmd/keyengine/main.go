package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vpnshop-bot/keyengine/internal/access"
	"github.com/vpnshop-bot/keyengine/internal/backup"
	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/metrics"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/scheduler"
	"github.com/vpnshop-bot/keyengine/internal/store"
	"github.com/vpnshop-bot/keyengine/internal/telegram"
	"github.com/vpnshop-bot/keyengine/internal/web"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyengine",
		Short:         "VPN key lifecycle engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(fulfilCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(seedCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the Telegram bot and the HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logpkg.New(cfg.LogLevel))
		},
	}
}

func fulfilCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fulfil <payment_id>",
		Short: "Re-drive a stored payment from its recorded order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.provisioner.ForceFulfil(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("fulfil %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"payment_id": res.PaymentID,
				"applied":    res.Applied,
				"key_id":     res.Key.KeyID,
				"email":      res.Key.Email,
				"expiry_at":  res.Key.ExpiryAt,
			})
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take a verified snapshot of the database now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.backups.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s verified=%t compressed=%t pruned=%d\n",
				res.File.Path, humanize.IBytes(uint64(res.File.Size)), res.Verified, res.Compressed, res.Pruned)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply the YAML catalog of hosts, plans and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if catalogPath == "" {
				catalogPath = cfg.CatalogPath
			}
			if catalogPath == "" {
				return errors.New("no catalog: pass --catalog or set KEYENGINE_CATALOG")
			}
			cat, err := config.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}
			s, err := store.OpenWithRecovery(cfg.DatabasePath, cfg.DBRecoverOnCorrupt, store.WithLogger(logpkg.New(cfg.LogLevel)))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()
			rep, err := applyCatalog(cmd.Context(), s, cat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hosts=%d plans=%d settings=%d defaults=%d\n", rep.Hosts, rep.Plans, rep.Settings, rep.Defaults)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog file (defaults to KEYENGINE_CATALOG)")
	return cmd
}

// app is the wired engine shared by the commands.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *store.Store
	collector   *metrics.Collector
	monitor     *metrics.Monitor
	panel       *panel.Client
	notifier    notify.Notifier
	bot         *telegram.Bot
	provisioner *provision.Provisioner
	scheduler   *scheduler.Manager
	backups     *backup.Manager
	gate        *access.Gate
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(cfg, logpkg.New(cfg.LogLevel))
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	s, err := store.OpenWithRecovery(cfg.DatabasePath, cfg.DBRecoverOnCorrupt, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clk := clock.WallClock
	collector := metrics.NewCollector()
	monitor := metrics.NewMonitor(clk, cfg.MetricsCapacity, cfg.MetricsSlowThreshold, collector, logger)
	pc := panel.NewClient(
		panel.WithClock(clk),
		panel.WithLogger(logger),
		panel.WithTimeout(cfg.PanelTimeout),
		panel.WithQuarantine(panel.NewQuarantine(clk, cfg.QuarantineWindow)),
		panel.WithRateLimit(cfg.PanelRequestsPerSec),
		panel.WithInsecureTLS(cfg.AllowUnsafeDisableTLS),
		panel.WithObserver(monitor.ObservePanel),
	)

	bot := telegram.New(cfg.TelegramBotToken, 0, cfg.AdminChatIDs, s, telegram.WithClock(clk), telegram.WithLogger(logger))
	var notifier notify.Notifier = bot
	if !bot.Enabled() {
		logger.Warn("TELEGRAM_BOT_TOKEN is not set; notifications go to the log")
		notifier = notify.NewLog(logger)
	}

	locks := keylock.New()
	prov := provision.New(s, pc,
		provision.WithNotifier(notifier),
		provision.WithLocker(locks),
		provision.WithMonitor(monitor),
		provision.WithClock(clk),
		provision.WithLogger(logger),
		provision.WithDefaultDomain(cfg.DefaultDomain),
	)
	sched := scheduler.New(s, pc, prov, scheduler.FromConfig(cfg),
		scheduler.WithNotifier(notifier),
		scheduler.WithLocker(locks),
		scheduler.WithMonitor(monitor),
		scheduler.WithClock(clk),
		scheduler.WithLogger(logger),
	)
	backups := backup.New(s, cfg.BackupDir,
		backup.WithMonitor(monitor),
		backup.WithClock(clk),
		backup.WithLogger(logger),
		backup.WithDefaultDomain(cfg.DefaultDomain),
	)
	bot.Bind(prov, sched, backups)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		collector:   collector,
		monitor:     monitor,
		panel:       pc,
		notifier:    notifier,
		bot:         bot,
		provisioner: prov,
		scheduler:   sched,
		backups:     backups,
		gate:        access.NewGate(s, pc, logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

func (a *app) handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		a.collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return web.NewHandler(web.Deps{
		Store:         a.store,
		Cabinet:       a.gate,
		Admin:         a.provisioner,
		Monitor:       a.monitor,
		Gatherer:      reg,
		AdminToken:    a.cfg.AdminHTTPToken,
		DefaultDomain: a.cfg.DefaultDomain,
		Logger:        a.logger,
	})
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.CatalogPath != "" {
		cat, err := config.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		if _, err := applyCatalog(ctx, a.store, cat); err != nil {
			return err
		}
	} else if added, err := a.store.EnsureSettingDefaults(ctx, config.BackupDefaults); err != nil {
		return fmt.Errorf("migrate backup settings: %w", err)
	} else if added > 0 {
		logger.Info("backup settings initialised", "added", added)
	}

	a.monitor.Start(ctx, time.Hour, func() time.Duration {
		rt, err := config.LoadRuntime(ctx, a.store, cfg.DefaultDomain)
		if err != nil {
			return 24 * time.Hour
		}
		return rt.MonitoringRetention()
	})
	a.scheduler.Start(ctx)
	a.backups.Start(ctx)
	go a.bot.Run(ctx)

	server := web.NewServer(cfg.HTTPAddr, a.handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("keyengine listening", "addr", cfg.HTTPAddr, "version", Version)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			serveErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	a.scheduler.Wait()
	a.backups.Wait()
	a.monitor.Wait()
	logger.Info("keyengine stopped")
	return serveErr
}

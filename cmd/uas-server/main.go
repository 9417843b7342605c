package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"uas-server/pkg/app"
	"uas-server/pkg/config"
	"uas-server/pkg/ims"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/metrics"
	"uas-server/pkg/process"
	"uas-server/pkg/sipstack"
	"uas-server/pkg/uas"
	"uas-server/pkg/util"
	"uas-server/pkg/version"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":      version.Version,
		"sip_ports":    cfg.SIP.Ports,
		"contact_host": cfg.SIP.ContactHost,
	}).Info("Starting UAS server")

	if err := run(cfg); err != nil {
		logger.WithError(err).Fatal("UAS server failed")
	}
	logger.Info("UAS server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.SetMetricsPath(cfg.Metrics.Path)
	metrics.SetMetricsEnabled(cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		metrics.Init(logger)
	}

	codecs, err := cfg.App.MediaFormats()
	if err != nil {
		return err
	}

	shutdown := util.NewGracefulShutdown(logger, cfg.Process.ShutdownTimeout*2)
	panics := util.NewPanicHandler(logger)

	region := process.NewRegion(context.Background(), "root", logger, process.Config{
		MailboxSize:     cfg.Process.MailboxSize,
		ReadyTimeout:    cfg.Process.ReadyTimeout,
		ShutdownTimeout: cfg.Process.ShutdownTimeout,
	})
	// Listeners are already down when this runs. The SIP user agent is closed
	// afterwards so hangups of active calls can still send BYE.
	shutdown.Register(util.ShutdownResource{
		Name:     "processes",
		Priority: 20,
		Shutdown: func(context.Context) error {
			return region.Close(cfg.Process.ShutdownTimeout)
		},
	})

	imsProc, err := region.Start("ims", ims.NewLoopback(ims.LoopbackConfig{
		IP:           cfg.Media.LocalIP,
		MinPort:      cfg.Media.RTPPortMin,
		MaxPort:      cfg.Media.RTPPortMax,
		PlayDuration: cfg.Media.PlayDuration,
		KeepAlive:    cfg.Process.KeepAlive,
		StreamRTP:    cfg.Media.StreamRTP,
	}, logger).Run)
	if err != nil {
		return shutdownAfter(shutdown, err)
	}

	appProc, err := region.Start("app", app.NewHandler(app.Config{
		IMS:                imsProc.Inbound(),
		Codecs:             codecs,
		Greeting:           cfg.App.Greeting,
		LoopGreeting:       cfg.App.LoopGreeting,
		MaxCalls:           cfg.App.MaxCalls,
		TransactionTimeout: cfg.Process.TransactionTimeout,
		ConnectTimeout:     cfg.App.ConnectTimeout,
		KeepAlive:          cfg.Process.KeepAlive,
	}, logger).Run)
	if err != nil {
		return shutdownAfter(shutdown, err)
	}

	events := mailbox.NewMailbox("uas.events", cfg.Process.EventsSize)
	sipServer, err := sipstack.New(events, sipstack.Config{
		ContactHost: cfg.SIP.ContactHost,
		ContactPort: cfg.SIP.Ports[0],
		UserAgent:   version.UserAgent(),
		ByeTimeout:  cfg.SIP.ByeTimeout,
	}, logger)
	if err != nil {
		return shutdownAfter(shutdown, err)
	}
	shutdown.RegisterCloser("sip", sipServer, 30)

	manager := uas.NewManager(sipServer, uas.Config{
		App:         appProc.Inbound(),
		Events:      events,
		KeepAlive:   cfg.Process.KeepAlive,
		SessionName: cfg.SIP.SessionName,
	}, logger)
	if _, err := region.Start("uas", manager.Run); err != nil {
		return shutdownAfter(shutdown, err)
	}

	if cfg.Metrics.Enabled {
		metricsServer := startMetricsServer(cfg.Metrics.Address, panics)
		shutdown.Register(util.ShutdownResource{
			Name:     "metrics",
			Priority: 10,
			Shutdown: metricsServer.Shutdown,
		})
	}

	if cfg.HotReload.Enabled && cfg.EnvFile != "" {
		reloader, err := config.NewHotReloadManager(cfg.EnvFile, cfg, logger)
		if err != nil {
			logger.WithError(err).Warn("Configuration hot-reload unavailable")
		} else {
			reloader.AddCallback(func(oldConfig, newConfig *config.Config) error {
				metrics.SetMetricsEnabled(newConfig.Metrics.Enabled)
				return newConfig.ApplyLogging(logger)
			})
			if err := reloader.Start(); err != nil {
				logger.WithError(err).Warn("Failed to start configuration hot-reload")
			}
			shutdown.Register(util.ShutdownResource{
				Name:     "hotreload",
				Priority: 0,
				Shutdown: func(context.Context) error { return reloader.Stop() },
			})
		}
	}

	listeners, listenCtx := errgroup.WithContext(ctx)
	for _, port := range cfg.SIP.Ports {
		addr := net.JoinHostPort(cfg.SIP.ListenAddress, strconv.Itoa(port))
		if cfg.SIP.EnableUDP {
			listeners.Go(func() error { return sipServer.ListenAndServe(listenCtx, "udp", addr) })
		}
		if cfg.SIP.EnableTCP {
			listeners.Go(func() error { return sipServer.ListenAndServe(listenCtx, "tcp", addr) })
		}
	}

	logger.Info("UAS server ready")

	<-listenCtx.Done()
	signalled := ctx.Err() != nil
	if signalled {
		logger.Info("Received shutdown signal, cleaning up...")
	} else {
		logger.Error("SIP listener stopped, shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown finished with errors")
	}

	if err := listeners.Wait(); err != nil && !signalled {
		return err
	}
	return nil
}

func startMetricsServer(addr string, panics *util.PanicHandler) *http.Server {
	mux := http.NewServeMux()
	metrics.RegisterHandler(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version.Version)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	panics.SafeGo("metrics-server", func() {
		logger.WithField("address", addr).Info("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	return server
}

// shutdownAfter releases whatever was started before a startup failure.
func shutdownAfter(shutdown *util.GracefulShutdown, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Cleanup after startup failure finished with errors")
	}
	return cause
}

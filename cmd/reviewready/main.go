package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/reviewready/internal/adapter/driven/filestore"
	githubadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/github"
	gitlabadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/gitlab"
	matrixadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/matrix"
	sqliteadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/sqlite"
	teamsadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/teams"
	telegramadapter "github.com/ericfisherdev/reviewready/internal/adapter/driven/telegram"
	httphandler "github.com/ericfisherdev/reviewready/internal/adapter/driving/http"
	"github.com/ericfisherdev/reviewready/internal/application"
	"github.com/ericfisherdev/reviewready/internal/config"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
	"github.com/ericfisherdev/reviewready/internal/logging"
)

const (
	sendRetries     = 3
	manualPollLimit = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing or invalid settings).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 2. Install the logger; mautrix shares its sink.
	logSink, logCloser, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing log file: %v\n", closeErr)
		}
	}()
	slog.Info("config loaded", "config", cfg)

	// 3. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Wire adapters.
	tracker, err := newTracker(cfg.Tracker)
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(ctx, cfg.Store, cfg.Tracker.Project)
	if err != nil {
		return err
	}
	defer closeStore()

	chat, err := newChat(ctx, cfg.Chat, logSink)
	if err != nil {
		return err
	}

	formatter, err := application.NewMessageFormatter(cfg.Chat.MessageTemplate)
	if err != nil {
		return err
	}

	// 5. Create the poll service; every cycle updates the systemd status line
	// and feeds the watchdog.
	wd := &watchdog{notify: sdNotify}
	pollSvc := application.NewPollService(
		tracker,
		store,
		chat,
		formatter,
		cfg.Poll.Interval,
		cfg.Poll.ErrorBackoff,
		application.WithAfterCycle(wd.afterCycle),
	)
	wd.state = func() application.LoopState { return pollSvc.Status().State }

	pollErr := make(chan error, 1)
	go func() {
		pollErr <- pollSvc.Start(ctx)
	}()

	// 6. Optional status API.
	var srv *http.Server
	if cfg.HTTP.ListenAddr != "" {
		apiHandler := httphandler.NewHandler(pollSvc, manualPollLimit, slog.Default())
		srv = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      manualPollLimit + 10*time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			slog.Info("http server starting", "addr", cfg.HTTP.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	// 7. Tell systemd we are up and keep the watchdog fed.
	sdNotify(daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go wd.keepalive(ctx, interval/2)
	}

	slog.Info("reviewready started",
		"tracker", cfg.Tracker.Kind,
		"project", cfg.Tracker.Project,
		"chat", cfg.Chat.Kind,
		"poll_interval", cfg.Poll.Interval,
	)

	// 8. Wait for shutdown signal or a fatal poll service error.
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-pollErr:
		if runErr == nil {
			runErr = errors.New("poll service exited unexpectedly")
		}
	}
	sdNotify(daemon.SdNotifyStopping)
	stop()

	// 9. Graceful shutdown with 10s timeout for HTTP server drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}

	if runErr == nil {
		select {
		case runErr = <-pollErr:
		case <-shutdownCtx.Done():
			slog.Warn("poll service did not stop in time")
		}
	}

	if runErr != nil {
		return runErr
	}

	// 10. Log shutdown complete.
	slog.Info("shutdown complete")
	return nil
}

func newTracker(cfg config.TrackerConfig) (driven.Tracker, error) {
	switch cfg.Kind {
	case config.TrackerGitHub:
		client, err := githubadapter.NewClient(githubadapter.Options{
			BaseURL:         cfg.URL,
			Token:           cfg.Token,
			Repo:            cfg.Project,
			ReadyLabel:      cfg.ReadyLabel,
			ClosedPageLimit: cfg.ClosedPageLimit,
			RequestTimeout:  cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("github tracker created", "repo", cfg.Project)
		return client, nil
	default:
		client, err := gitlabadapter.NewClient(gitlabadapter.Options{
			BaseURL:         cfg.URL,
			Token:           cfg.Token,
			Project:         cfg.Project,
			ReadyLabel:      cfg.ReadyLabel,
			ClosedPageLimit: cfg.ClosedPageLimit,
			RequestTimeout:  cfg.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("gitlab tracker created", "url", cfg.URL, "project", cfg.Project)
		return client, nil
	}
}

// newStore returns the notified store and a function releasing it.
func newStore(ctx context.Context, cfg config.StoreConfig, project string) (driven.NotifiedStore, func(), error) {
	if cfg.Kind != config.StoreSQLite {
		store := filestore.New(cfg.Path)
		slog.Info("file store selected", "path", store.Path())
		return store, func() {}, nil
	}

	// Dual reader/writer pools with WAL mode; migrations run on open.
	db, err := sqliteadapter.Open(ctx, cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("database opened", "path", db.Path())

	closeDB := func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}
	return sqliteadapter.NewNotifiedRepo(db, project), closeDB, nil
}

func newChat(ctx context.Context, cfg config.ChatConfig, logSink io.Writer) (driven.ChatTransport, error) {
	switch cfg.Kind {
	case config.ChatTelegram:
		return telegramadapter.New(telegramadapter.Options{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			MaxRetries: sendRetries,
		})
	case config.ChatTeams:
		return teamsadapter.New(teamsadapter.Options{
			WebhookURL: cfg.Teams.WebhookURL,
			MaxRetries: sendRetries,
		})
	default:
		transport, err := matrixadapter.New(matrixadapter.Options{
			Homeserver:  cfg.Matrix.Homeserver,
			Username:    cfg.Matrix.Username,
			Password:    cfg.Matrix.Password,
			AccessToken: cfg.Matrix.AccessToken,
			Room:        cfg.Matrix.RoomID,
			SendRate:    cfg.SendRate,
			LogOutput:   logSink,
		})
		if err != nil {
			return nil, err
		}

		// A failure here is retried on the first send.
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := transport.Connect(connectCtx); err != nil {
			slog.Warn("matrix connect failed, will retry on first notification", "error", err)
		}
		return transport, nil
	}
}

// watchdog feeds the systemd watchdog. Every finished cycle pings it, and a
// keepalive pings it while the loop is idle, so a cycle that never returns
// lets the watchdog fire.
type watchdog struct {
	notify func(state string)
	state  func() application.LoopState
}

func (w *watchdog) afterCycle(report application.CycleReport) {
	w.notify(statusLine(report))
	w.notify(daemon.SdNotifyWatchdog)
}

func (w *watchdog) keepalive(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.state() == application.LoopIdle {
				w.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}

func statusLine(report application.CycleReport) string {
	if report.Err != nil {
		return fmt.Sprintf("STATUS=tracking %d merge requests, last cycle failed: %v", report.NotifiedCount, report.Err)
	}
	return fmt.Sprintf("STATUS=tracking %d merge requests, last cycle ok", report.NotifiedCount)
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		slog.Debug("systemd notify failed", "state", state, "error", err)
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ykvlv/medication-reminder/internal/config"
	"github.com/ykvlv/medication-reminder/internal/notify"
	"github.com/ykvlv/medication-reminder/internal/scheduler"
	"github.com/ykvlv/medication-reminder/internal/store"
)

type App struct {
	cfg      config.Config
	log      *zap.Logger
	notifier notify.Notifier
	httpSrv  *http.Server
	repo     store.Repo
	sched    *scheduler.Scheduler
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	n, err := newNotifier(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, notifier: n}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	a.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	return a, nil
}

func newNotifier(cfg config.Config) (notify.Notifier, error) {
	switch strings.ToLower(cfg.Notifier) {
	case config.NotifierTelegram:
		bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		bot.Debug = false
		return notify.NewTelegram(bot), nil
	default:
		return notify.NewExpo(notify.ExpoConfig{
			BaseURL:     cfg.ExpoURL,
			AccessToken: cfg.ExpoAccessToken,
			RatePerSec:  cfg.ExpoRate,
			Timeout:     cfg.DispatchTimeout,
		}), nil
	}
}

func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting medication-reminder",
		zap.String("notifier", a.cfg.Notifier),
		zap.String("http", a.cfg.HTTPAddr),
	)

	// Open SQLite and run migrations.
	repo, err := store.OpenSQLite(ctx, a.cfg.DBPath)
	if err != nil {
		a.log.Error("open sqlite failed", zap.Error(err))
		return err
	}
	a.repo = repo
	a.log.Info("sqlite ready", zap.String("path", a.cfg.DBPath))

	a.sched = scheduler.New(repo, a.notifier, a.log.Named("scheduler"), scheduler.Options{
		Location:        a.cfg.Location(),
		Spec:            a.cfg.TickSpec,
		Retention:       a.cfg.HistoryRetention,
		Workers:         a.cfg.DispatchWorkers,
		DispatchTimeout: a.cfg.DispatchTimeout,
	})

	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server error", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() { schedDone <- a.sched.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		runErr = <-schedDone
	case runErr = <-schedDone:
		// Run only returns early on a bad tick spec.
		a.log.Error("scheduler exited", zap.Error(runErr))
	}

	// Create a short-lived shutdown context and cancel it immediately after use.
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = a.httpSrv.Shutdown(shCtx)
	cancel()
	if err != nil {
		a.log.Warn("http server shutdown error", zap.Error(err))
	}
	if a.repo != nil {
		_ = a.repo.Close()
	}
	return runErr
}

type healthResponse struct {
	Status   string                `json:"status"`
	LastTick *scheduler.TickReport `json:"lastTick,omitempty"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if a.sched != nil {
		if rep := a.sched.LastReport(); !rep.At.IsZero() {
			resp.LastTick = &rep
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

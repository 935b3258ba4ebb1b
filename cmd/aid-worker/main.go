package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BearBump/AidBox/config"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	setupLogger(cfg.AidBox.LogLevel)

	e, closeFn, err := buildEscalator(cfg, defaultWorkerFactories())
	if err != nil {
		panic(err)
	}
	defer closeFn()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.AidBox.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			escalator:   e,
			cfg:         cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-httpErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = <-runErr
		}
	}
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

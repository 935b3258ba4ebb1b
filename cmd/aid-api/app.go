package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	dispatchapi "github.com/BearBump/AidBox/internal/api/dispatch_api"
	"github.com/BearBump/AidBox/internal/broker/kafka"
	"github.com/BearBump/AidBox/internal/broker/messages"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type aidAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type locationUpdater interface {
	UpdateProviderLocation(ctx context.Context, id string, providerID int64, p models.GeoPoint, recordedAt time.Time) (bool, error)
}

type janitor interface {
	RunJanitor(ctx context.Context)
}

type aidAPIDeps struct {
	api       *dispatchapi.DispatchAPI
	locations locationUpdater
	janitor   janitor
	consumer  kafkaConsumer
}

func runAidAPI(ctx context.Context, opts aidAPIOpts, deps aidAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis, health.NewServer())
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, deps.api, opts.swaggerPath)
	}()

	if deps.janitor != nil {
		go deps.janitor.RunJanitor(ctx)
	}

	if deps.consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := deps.consumer.Consume(ctx, locationHandler(ctx, deps.locations))
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("kafka consumer stopped", "topic", opts.topic, "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		return err
	}
}

// locationHandler applies provider GPS fixes from Kafka. Malformed or rejected fixes are
// poison; only infrastructure failures are retried.
func locationHandler(ctx context.Context, u locationUpdater) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.ProviderLocation
		if err := json.Unmarshal(value, &m); err != nil {
			return kafka.Poison(err)
		}
		applied, err := u.UpdateProviderLocation(ctx, m.RequestID, m.ProviderID, models.GeoPoint{Lat: m.Lat, Lng: m.Lng}, m.RecordedAt)
		if err != nil {
			if rejected(err) {
				return kafka.Poison(err)
			}
			return err
		}
		if !applied {
			slog.Debug("stale location dropped", "request_id", m.RequestID, "provider_id", m.ProviderID)
		}
		return nil
	}
}

func rejected(err error) bool {
	var (
		ve *models.ValidationError
		na *models.NotAuthorizedError
		is *models.InvalidStateError
		nf *models.NotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &na) || errors.As(err, &is) || errors.As(err, &nf)
}

func runGRPCServer(ctx context.Context, lis net.Listener, hs *health.Server) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		// NOT_SERVING, чтобы балансировщик успел снять инстанс
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *dispatchapi.DispatchAPI, swaggerPath string) error {
	r := chi.NewRouter()
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, swaggerPath)
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/v1", api.Routes())

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}

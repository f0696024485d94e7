// Package bridge wires the two services that impersonate the vendor cloud:
// the heartbeat responder and the session interception proxy. It owns the
// metrics registry, the admin endpoint, and shutdown ordering.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serphen/roborock-offline/internal/config"
	"github.com/serphen/roborock-offline/internal/heartbeat"
	"github.com/serphen/roborock-offline/internal/identity"
	"github.com/serphen/roborock-offline/internal/proxy"
	"go.uber.org/zap"
)

// Bridge hosts both listeners for one device.
type Bridge struct {
	cfg    config.Config
	log    *zap.Logger
	device identity.DeviceIdentity

	heartbeat *heartbeat.Responder
	proxy     *proxy.Proxy
	adminHTTP *http.Server
	ready     atomic.Bool
}

// New constructs a bridge with its dependencies.
func New(cfg config.Config, logger *zap.Logger, device identity.DeviceIdentity) *Bridge {
	return &Bridge{cfg: cfg, log: logger, device: device}
}

// Start boots both services and blocks until shutdown. The first service
// error tears the whole process down; the appliance treats a half-alive
// cloud worse than a dead one.
func (b *Bridge) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	b.heartbeat = heartbeat.NewResponder(b.log.Named("heartbeat"), heartbeat.Options{
		Address:     b.cfg.HeartbeatAddress,
		ReadTimeout: b.cfg.ReadTimeout,
		Metrics:     heartbeat.NewMetrics(reg),
	})
	b.proxy = proxy.New(b.log.Named("proxy"), b.device, proxy.Options{
		Address:       b.cfg.ProxyAddress,
		TargetAddress: b.cfg.TargetAddress,
		ReadTimeout:   b.cfg.ReadTimeout,
		DialTimeout:   b.cfg.DialTimeout,
		MaxPayload:    b.cfg.MaxPayloadBytes,
		Rules:         proxy.DefaultRules(b.cfg.TurnURL(), b.cfg.Turn.User, b.cfg.Turn.Password),
		Metrics:       proxy.NewMetrics(reg),
	})

	b.startAdminServer(reg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- named("heartbeat", b.heartbeat.Start(runCtx)) }()
	go func() { errCh <- named("proxy", b.proxy.Start(runCtx)) }()

	b.log.Info("bridge running",
		zap.String("device", b.device.DUID),
		zap.String("name", b.device.Name),
		zap.String("turn_url", b.cfg.TurnURL()))
	b.ready.Store(true)

	var firstErr error
	received := 0
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		received++
	}
	b.ready.Store(false)

	// Stop the other service and give in-flight sessions a bounded
	// window to unwind.
	cancel()
	grace := b.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	b.shutdownAdmin(stopCtx)

	for ; received < 2; received++ {
		select {
		case err := <-errCh:
			if firstErr == nil {
				firstErr = err
			}
		case <-stopCtx.Done():
			b.log.Warn("graceful shutdown timed out")
			return firstErr
		}
	}
	if firstErr != nil {
		return fmt.Errorf("bridge stopped: %w", firstErr)
	}
	b.log.Info("bridge stopped")
	return nil
}

// Ready reports whether both listeners are serving.
func (b *Bridge) Ready() bool {
	return b.ready.Load()
}

// HeartbeatResponder exposes the running responder; valid after Start.
func (b *Bridge) HeartbeatResponder() *heartbeat.Responder { return b.heartbeat }

// Proxy exposes the running proxy; valid after Start.
func (b *Bridge) Proxy() *proxy.Proxy { return b.proxy }

func (b *Bridge) startAdminServer(reg *prometheus.Registry) {
	if b.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if b.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	b.adminHTTP = &http.Server{
		Addr:              b.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := b.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	b.log.Info("admin server listening", zap.String("address", b.cfg.AdminAddress))
}

func (b *Bridge) shutdownAdmin(ctx context.Context) {
	if b.adminHTTP == nil {
		return
	}
	if err := b.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		b.log.Warn("admin server shutdown", zap.Error(err))
	}
}

func named(service string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", service, err)
}

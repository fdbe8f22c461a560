// Package rover wires the controller protocols, the capability
// registry, and the RPC surface into the roverd daemon.
package rover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/capability"
	"github.com/roverlink/roverlink/internal/components"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/observability"
	"github.com/roverlink/roverlink/internal/protocol/i2cbus"
	"github.com/roverlink/roverlink/internal/protocol/uartlink"
	"github.com/roverlink/roverlink/internal/rpc"
	"github.com/roverlink/roverlink/internal/store"
)

// requiredMajorVersion is the controller firmware major this daemon
// speaks. Minor revisions are compatible; a different major is not.
const requiredMajorVersion = 1

const voltagesChannel = "telemetry/voltages"

const shutdownTimeout = 5 * time.Second

// ErrVersionMismatch reports controller firmware this daemon cannot
// drive.
var ErrVersionMismatch = errors.New("rover: controller version mismatch")

var startedAt = time.Now()

// Service runs the roverd lifecycle: open the buses, discover the
// capabilities, serve RPC and the health/metrics endpoint until a
// process signal stops it.
type Service struct {
	cfg config.RoverConfig

	bus      *i2cbus.Bus
	link     *uartlink.Link
	kv       *store.KV
	registry *capability.Registry
	rpc      *rpc.Server
	idle     *rpc.IdleTracker

	// feedMu orders stream acquisition against idle teardown for the
	// voltages channel.
	feedMu sync.Mutex
}

func NewService(cfg config.RoverConfig) *Service {
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT/SIGTERM or a fatal serve error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	defer s.shutdown()
	return s.serve(ctx)
}

func (s *Service) bootstrap(ctx context.Context) error {
	observability.RegisterMetrics()

	dev, err := i2cbus.Open(s.cfg.I2C.Bus, s.cfg.I2C.Addr)
	if err != nil {
		return fmt.Errorf("open i2c: %w", err)
	}
	s.bus = i2cbus.New(dev)

	port, err := uartlink.OpenPort(s.cfg.UART.Device, s.cfg.UART.Baud)
	if err != nil {
		return fmt.Errorf("open uart: %w", err)
	}
	s.link = uartlink.New(port)

	// Board parameters live in the controller's EEPROM; a failed load
	// degrades ReadParams, nothing else.
	eepromCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := s.link.LoadEEPROM(eepromCtx); err != nil {
		log.Warn().Err(err).Msg("eeprom mirror not loaded")
	}
	cancel()

	s.kv, err = store.Open(s.cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}

	s.registry = capability.NewRegistry(
		capability.NewI2CController(s.bus),
		capability.Descriptor{Name: "Credentials"},
	)
	if _, err := s.registry.Init(ctx); err != nil {
		return fmt.Errorf("capability discovery: %w", err)
	}

	if err := s.checkVersion(ctx); err != nil {
		return err
	}

	a := &api{
		registry: s.registry,
		bus:      s.bus,
		creds:    components.NewCredentials(s.kv),
	}
	s.idle = rpc.NewIdleTracker(clock.New(), s.cfg.RPC.IdleTimeout(), s.stopVoltagesFeed)
	s.rpc, err = rpc.NewServer(a.root(), &rpc.PubSub{
		Channels:      []string{voltagesChannel},
		OnSubscribe:   s.onSubscribe,
		OnUnsubscribe: s.onUnsubscribe,
	})
	if err != nil {
		return fmt.Errorf("rpc surface: %w", err)
	}
	return nil
}

// checkVersion refuses to come up against firmware with a different
// major version.
func (s *Service) checkVersion(ctx context.Context) error {
	h, err := s.registry.Acquire(ctx, "VersionInfo")
	if err != nil {
		return fmt.Errorf("version check: %w", err)
	}
	defer func() {
		if err := s.registry.Release(ctx, h); err != nil {
			log.Warn().Err(err).Msg("release VersionInfo")
		}
	}()

	reg, _ := h.Locator()
	major, minor, err := components.NewVersionInfo(s.bus, reg).Version(ctx)
	if err != nil {
		return fmt.Errorf("version check: %w", err)
	}
	if major != requiredMajorVersion {
		return fmt.Errorf("%w: controller reports %d.%d, need major %d",
			ErrVersionMismatch, major, minor, requiredMajorVersion)
	}
	log.Info().Int("major", int(major)).Int("minor", int(minor)).Msg("controller version ok")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	go s.idle.Run(ctx)
	go s.publishVoltages(ctx)

	rpcSrv := &http.Server{Addr: s.cfg.RPC.Addr, Handler: s.rpc.Handler()}
	httpSrv := &http.Server{Addr: s.cfg.HTTP.Addr, Handler: s.router()}

	errs := make(chan error, 2)
	go func() { errs <- rpcSrv.ListenAndServe() }()
	go func() { errs <- httpSrv.ListenAndServe() }()
	log.Info().
		Str("name", s.cfg.Name).
		Str("rpc", s.cfg.RPC.Addr).
		Str("http", s.cfg.HTTP.Addr).
		Msg("roverd serving")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("roverd shutdown")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rpcSrv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("rpc server shutdown")
	}
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	return serveErr
}

func (s *Service) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	if len(s.cfg.HTTP.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.HTTP.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"uptime":       time.Since(startedAt).String(),
			"service":      s.cfg.Name,
			"capabilities": len(s.registry.Capabilities()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// onSubscribe powers the voltages stream up on the first subscriber;
// the idle tracker keeps it up until the last one has been gone for
// the configured timeout.
func (s *Service) onSubscribe(channel string) {
	if channel != voltagesChannel {
		return
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if !s.idle.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.link.AcquireStream(ctx, uartlink.StreamVoltages); err != nil {
			log.Warn().Err(err).Msg("enable voltages stream")
			return
		}
		s.idle.Activate()
	}
	s.idle.AddSubscriber()
}

func (s *Service) onUnsubscribe(channel string) {
	if channel != voltagesChannel {
		return
	}
	s.idle.RemoveSubscriber()
}

func (s *Service) stopVoltagesFeed() {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.link.ReleaseStream(ctx, uartlink.StreamVoltages); err != nil {
		log.Warn().Err(err).Msg("disable voltages stream")
		return
	}
	log.Info().Msg("voltages stream idle, disabled")
}

// publishVoltages forwards every voltage telemetry frame to the
// pubsub channel. It blocks on the hub, so it costs nothing while the
// stream is disabled.
func (s *Service) publishVoltages(ctx context.Context) {
	hub := s.link.Hub()
	for {
		sample, err := hub.Next(ctx, uartlink.StreamVoltages)
		if err != nil {
			return
		}
		vbatt1, vbatt2, vchrg, err := uartlink.Voltages(sample)
		if err != nil {
			log.Warn().Err(err).Msg("malformed voltages frame")
			continue
		}
		payload := map[string]any{
			"seq":    sample.Seq,
			"vbatt1": vbatt1,
			"vbatt2": vbatt2,
			"vchrg":  vchrg,
		}
		if err := s.rpc.Publish(ctx, voltagesChannel, payload); err != nil {
			log.Warn().Err(err).Msg("publish voltages")
		}
	}
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.registry != nil {
		if err := s.registry.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("registry close")
		}
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Warn().Err(err).Msg("uart close")
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("i2c close")
		}
	}
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			log.Warn().Err(err).Msg("kv close")
		}
	}
}

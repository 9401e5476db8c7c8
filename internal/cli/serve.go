package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cometa-rocks/wsrelay/internal/config"
	internalhttp "github.com/cometa-rocks/wsrelay/internal/http"
	"github.com/cometa-rocks/wsrelay/internal/hub"
	"github.com/cometa-rocks/wsrelay/internal/logging"
	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/policy"
	"github.com/cometa-rocks/wsrelay/internal/router"
	"github.com/cometa-rocks/wsrelay/internal/runstate"
	"github.com/cometa-rocks/wsrelay/internal/service"
	"github.com/cometa-rocks/wsrelay/internal/transport/rpc"
	"github.com/cometa-rocks/wsrelay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd returns the serve command.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the WebSocket endpoint, the ingest API and, when RPC_PORT is set,
the JSON-RPC ingest endpoint.

Configuration is read from the environment and an optional .env file in the
working directory. See WS_PORT, HTTP_PORT, RPC_PORT, JWT_SECRET,
ADMISSION_POLICY_FILE, LOG_LEVEL and LOG_FORMAT.`,
		RunE: runServe,
	}

	cmd.Flags().Int("ws-port", 0, "Override WS_PORT")
	cmd.Flags().Int("http-port", 0, "Override HTTP_PORT")
	cmd.Flags().Int("rpc-port", 0, "Override RPC_PORT")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("ws-port") {
		cfg.WSPort, _ = cmd.Flags().GetInt("ws-port")
	}
	if cmd.Flags().Changed("http-port") {
		cfg.HTTPPort, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("rpc-port") {
		cfg.RPCPort, _ = cmd.Flags().GetInt("rpc-port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New("wsrelay", cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := newRelay(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

// relay holds the assembled servers of one relay process.
type relay struct {
	cfg    *config.Config
	log    zerolog.Logger
	hub    *hub.Hub
	wsEcho *echo.Echo
	ingest *internalhttp.Server
	rpc    *rpc.Server
}

func newRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*relay, error) {
	m := metrics.New(reg)

	engine, err := policy.NewEngineFromFile(ctx, cfg.AdmissionPolicyFile)
	if err != nil {
		return nil, err
	}

	connectionHub := hub.NewHub(logger, m)
	store := runstate.NewStore()
	svc := service.New(store, router.New(connectionHub, logger, m), logger, m)

	wsServer := ws.NewServer(cfg, connectionHub, svc, engine, logger, m)
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(logging.RequestLogger(logger))
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	r := &relay{
		cfg:    cfg,
		log:    logger,
		hub:    connectionHub,
		wsEcho: wsEcho,
		ingest: internalhttp.NewServer(svc, connectionHub, reg, logger),
	}
	if cfg.RPCPort > 0 {
		r.rpc, err = rpc.NewServer(svc, logger)
		if err != nil {
			return nil, fmt.Errorf("rpc server: %w", err)
		}
	}
	return r, nil
}

// Run serves until ctx is cancelled or a server fails, then shuts every
// server down.
func (r *relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", r.cfg.WSPort)
		r.log.Info().Str("addr", addr).Msg("websocket server started")
		return ignoreClosed(r.wsEcho.Start(addr))
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", r.cfg.HTTPPort)
		r.log.Info().Str("addr", addr).Msg("ingest server started")
		return ignoreClosed(r.ingest.Start(addr))
	})
	if r.rpc != nil {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", r.cfg.RPCPort)
			r.log.Info().Str("addr", addr).Msg("rpc server started")
			return r.rpc.Start(addr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.log.Info().Msg("shutting down relay")
		return r.shutdown()
	})

	err := g.Wait()
	r.log.Info().Int("connections", r.hub.GetConnectionCount()).Msg("relay stopped")
	return err
}

func (r *relay) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := r.wsEcho.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket server: %w", err))
	}
	if err := r.ingest.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingest server: %w", err))
	}
	if r.rpc != nil {
		if err := r.rpc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rpc server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

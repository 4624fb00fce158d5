package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/zfogg/livecache/internal/auth"
	"github.com/zfogg/livecache/internal/handlers"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/middleware"
	"github.com/zfogg/livecache/internal/seed"
	"github.com/zfogg/livecache/internal/telemetry"
	"github.com/zfogg/livecache/internal/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveSeed bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Long: `Serve the forum API, live views over websockets, /healthz and
Prometheus /metrics until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		tp, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Enabled:      cfg.Telemetry.Enabled,
			SamplingRate: cfg.Telemetry.SamplingRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(ctx, tp); err != nil {
				logger.Log.Warn("Tracer shutdown failed", zap.Error(err))
			}
		}()

		if serveSeed {
			sum, err := seed.NewSeeder(b.forum).Seed(cmd.Context(), seed.DefaultOptions())
			if err != nil {
				return err
			}
			printInfo("Seeded %d users, %d groups, %d solutions", sum.Users, sum.Groups, sum.Solutions)
		}

		var tokens auth.TokenValidator
		if cfg.Server.JWTSecret != "" {
			t, err := auth.NewTokens([]byte(cfg.Server.JWTSecret), cfg.Server.TokenTTL)
			if err != nil {
				return err
			}
			tokens = t
		} else {
			printWarning("server.jwt_secret is unset: every request is anonymous and write routes are closed")
		}

		hub := websocket.NewHub()
		wsHandler := websocket.NewHandler(hub, b.reg, tokens)
		wsHandler.OriginPatterns = cfg.Server.AllowOrigins
		wsHandler.RegisterDefaultHandlers()

		h := handlers.NewHandlers(b.forum, b.reg)
		h.SetWebSocketHandler(wsHandler)
		for name, check := range b.health {
			h.AddHealthCheck(name, check)
		}

		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}
		routerCfg := handlers.RouterConfig{
			Tokens:       tokens,
			AllowOrigins: cfg.Server.AllowOrigins,
			ReadLimit: middleware.RateLimitConfig{
				Limit:  cfg.Server.ReadLimit,
				Window: cfg.Server.RateWindow,
				Redis:  b.redis,
				Prefix: "rate_limit:read",
			},
			WriteLimit: middleware.RateLimitConfig{
				Limit:  cfg.Server.WriteLimit,
				Window: cfg.Server.RateWindow,
				Redis:  b.redis,
				Prefix: "rate_limit:write",
			},
		}
		if cfg.Telemetry.Enabled {
			routerCfg.ServiceName = cfg.Telemetry.ServiceName
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handlers.NewRouter(h, routerCfg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			hub.Run()
			return nil
		})
		g.Go(func() error {
			logger.Log.Info("Server listening", zap.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Log.Info("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := wsHandler.Shutdown(shutdownCtx); err != nil {
				logger.Log.Warn("WebSocket shutdown incomplete", zap.Error(err))
			}
			return srv.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			return err
		}
		printSuccess("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "Seed demo data before serving")
}

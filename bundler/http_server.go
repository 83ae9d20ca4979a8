package bundler

import (
	"context"
	"fmt"
	"net/http"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-bundler/pkg/gosafe"
	"github.com/AvaProtocol/ap-bundler/version"
)

func (e *Engine) initSentry() bool {
	dsn := e.config.SentryDsn
	if dsn == "" {
		return false
	}

	env := "production"
	if e.config.Environment == sdklogging.Development {
		env = "development"
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		ServerName:       e.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		e.rpcLogger.Errorf("Sentry initialization failed: %v", err)
		return false
	}
	return true
}

// newHttpServer builds the echo instance serving JSON-RPC, health and metrics.
func (e *Engine) newHttpServer() *echo.Echo {
	sentryEnabled := e.initSentry()

	srv := echo.New()
	srv.HideBanner = true
	srv.HidePort = true

	srv.Use(middleware.Logger())

	// Register Sentry before Recover so panics are reported
	if sentryEnabled {
		srv.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	srv.Use(middleware.Recover())

	srv.POST("/", e.handleRpc)
	srv.POST("/rpc", e.handleRpc)

	srv.GET("/up", func(c echo.Context) error {
		if e.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}

		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	srv.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})))

	return srv
}

func (e *Engine) startHttpServer(ctx context.Context) {
	if e.config.RpcBindAddress == "" {
		e.rpcLogger.Info("RPC server disabled: no rpc_bind_address configured")
		return
	}

	e.http = e.newHttpServer()

	addr := e.config.RpcBindAddress
	e.rpcLogger.Info("RPC server listening", "address", addr, "debug", e.config.DebugRpc)
	srv := e.http
	gosafe.Go(func() {
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			e.rpcLogger.Error("RPC server stopped", "address", addr, "error", err)
		}
	})
}

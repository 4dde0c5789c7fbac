package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loykin/appvisor/internal/manager"
)

const (
	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
)

// EchoHandler serves the same routes as Handler on an echo instance.
func (r *Router) EchoHandler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if r.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.metrics))
	}
	g := e.Group(r.basePath)
	g.GET("/status", func(c echo.Context) error { return echoJSON(c, r.status(c.QueryParam("name"))) })
	g.GET("/apps", func(c echo.Context) error { return echoJSON(c, r.apps()) })
	g.POST("/start", func(c echo.Context) error { return echoJSON(c, r.start(c.QueryParam("name"))) })
	g.POST("/stop", func(c echo.Context) error {
		return echoJSON(c, r.stop(c.QueryParam("name"), c.QueryParam("wait")))
	})
	g.POST("/restart", func(c echo.Context) error { return echoJSON(c, r.restart(c.QueryParam("name"))) })
	g.POST("/reload", func(c echo.Context) error { return echoJSON(c, r.reload(c.QueryParam("name"))) })
	return e
}

func echoJSON(c echo.Context, rep reply) error {
	return c.JSON(rep.code, rep.body)
}

// Options configures a standalone API server.
type Options struct {
	Listen    string
	BasePath  string
	Framework string       // gin (default) or echo
	TLS       *tls.Config  // nil serves plain HTTP
	Metrics   http.Handler // optional /metrics
}

// HandlerFor builds the handler of the selected framework.
func HandlerFor(opts Options, mgr *manager.Manager) (http.Handler, error) {
	r := NewRouter(mgr, opts.BasePath)
	if opts.Metrics != nil {
		r.WithMetrics(opts.Metrics)
	}
	switch strings.ToLower(opts.Framework) {
	case "", FrameworkGin:
		return r.Handler(), nil
	case FrameworkEcho:
		return r.EchoHandler(), nil
	}
	return nil, fmt.Errorf("unknown framework %q", opts.Framework)
}

// NewServer binds opts.Listen and serves the API in the background. Bind
// errors are returned; the caller shuts the server down.
func NewServer(opts Options, mgr *manager.Manager) (*http.Server, error) {
	h, err := HandlerFor(opts, mgr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Listen, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         opts.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop?wait= can hold a request for the whole grace period
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		var err error
		if opts.TLS != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	slog.Info("api server listening", "addr", srv.Addr, "base", sanitizeBase(opts.BasePath), "framework", opts.Framework, "tls", opts.TLS != nil)
	return srv, nil
}

// Shutdown gracefully stops srv, waiting at most timeout.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

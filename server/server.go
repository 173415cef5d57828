package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	contractx "github.com/loanpilot/loanpilot/agent/contract"
	"github.com/loanpilot/loanpilot/agent/orchestrator"
	"github.com/loanpilot/loanpilot/pkg/logger"
)

type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// TurnHandler is the engine surface the HTTP layer needs.
type TurnHandler interface {
	HandleTurn(ctx context.Context, customerID, message string) (string, error)
	Reset(ctx context.Context, customerID string) error
}

type Server struct {
	cfg     Config
	echo    *echo.Echo
	handler TurnHandler
	log     zerolog.Logger
}

type chatRequest struct {
	CustomerID string `json:"customer_id"`
	Message    string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func New(cfg Config, handler TurnHandler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		log:     logx.With("server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler

	e.POST("/chat", s.chat)
	e.GET("/reset/:customer_id", s.reset)
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	s.echo = e
	return s
}

// Start serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Addr)
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reply, err := s.handler.HandleTurn(c.Request().Context(), req.CustomerID, req.Message)
	if err != nil {
		return s.mapTurnError(c, err)
	}
	return c.JSON(http.StatusOK, chatResponse{Reply: reply})
}

func (s *Server) reset(c echo.Context) error {
	customerID := c.Param("customer_id")
	if err := s.handler.Reset(c.Request().Context(), customerID); err != nil {
		return s.mapTurnError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset", "customer_id": customerID})
}

// mapTurnError translates engine errors into HTTP status codes. Rate-limited
// turns carry a retry hint; checkpoint outages surface as 503 so callers
// know to retry rather than rephrase.
func (s *Server) mapTurnError(c echo.Context, err error) error {
	var rle *orchestrator.RateLimitError
	if errors.As(err, &rle) {
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":        "too many requests",
			"wait_seconds": int(math.Ceil(rle.Wait.Seconds())),
		})
	}

	switch {
	case errors.Is(err, contractx.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, contractx.ErrCheckpoint):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "conversation state is temporarily unavailable")
	default:
		return err
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}

	req := c.Request()
	s.log.Error().
		Int("status", code).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Err(err).
		Msg("request failed")

	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

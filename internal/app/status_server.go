package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trade-bridge/internal/delivery"
	"trade-bridge/internal/monitor"
	"trade-bridge/internal/session"
)

type sessionView interface {
	IsHealthy() bool
	Snapshot() session.Snapshot
}

type deliveryView interface {
	Stats() delivery.Stats
	MaxAttempts() int
}

type statusServer struct {
	session  sessionView
	delivery deliveryView
	monitor  *monitor.Service
	logger   *zap.Logger
}

type statusResponse struct {
	Session     session.Snapshot `json:"session"`
	Delivery    delivery.Stats   `json:"delivery"`
	MaxAttempts int              `json:"max_attempts"`
	Counters    monitor.Counters `json:"counters"`
}

func newStatusServer(sess sessionView, dv deliveryView, mon *monitor.Service, logger *zap.Logger) *statusServer {
	return &statusServer{
		session:  sess,
		delivery: dv,
		monitor:  mon,
		logger:   logger.Named("status"),
	}
}

func (s *statusServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/events", s.handleEvents)
	return r
}

func (s *statusServer) handleHealth(c *gin.Context) {
	if s.session.IsHealthy() {
		c.JSON(http.StatusOK, gin.H{"healthy": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "state": s.session.Snapshot().State})
}

func (s *statusServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Session:     s.session.Snapshot(),
		Delivery:    s.delivery.Stats(),
		MaxAttempts: s.delivery.MaxAttempts(),
		Counters:    s.monitor.Counters(),
	})
}

func (s *statusServer) handleEvents(c *gin.Context) {
	limit := 200
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(c.Query("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	c.JSON(http.StatusOK, s.monitor.ListEvents(c.Request.Context(), eventType, limit))
}

// Serve 监听端口直到 ctx 结束。
func (s *statusServer) Serve(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("状态接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("状态接口异常: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭状态接口失败", zap.Error(err))
		}
		return nil
	}
}

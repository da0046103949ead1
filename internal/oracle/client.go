package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/types"
	"pick-and-place-demo/internal/util"
)

// ReconnectConfig 定义指数退避重连参数
type ReconnectConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`     // 单次请求最多重连次数
	RetryDelay    time.Duration `mapstructure:"retry_delay"`     // 初始退避时间
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"` // 退避时间上限
}

// Config 是识别服务客户端配置
type Config struct {
	Addr      string          `mapstructure:"addr"`
	Timeout   time.Duration   `mapstructure:"timeout"` // 单次往返超时
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:    "127.0.0.1:5050",
		Timeout: 2 * time.Second,
		Reconnect: ReconnectConfig{
			MaxRetries:    3,
			RetryDelay:    100 * time.Millisecond,
			MaxRetryDelay: 2 * time.Second,
		},
	}
}

// Client 通过持久 TCP 连接调用外部识别服务
// 连接失败或往返出错时断开并按指数退避重连，重试耗尽后返回 NoDetection
type Client struct {
	cfg    Config
	dialer net.Dialer
	logger *slog.Logger

	mu         sync.Mutex // 串行化请求，一个连接上同时只有一个往返
	conn       net.Conn
	reconnects atomic.Uint32
}

// NewClient 创建客户端，连接在第一次请求时建立
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.Timeout},
		logger: logger.With("component", "oracle", "addr", cfg.Addr),
	}
}

// Reconnects 返回累计重连次数
func (c *Client) Reconnects() uint32 { return c.reconnects.Load() }

// Detect 发送一帧 RGB 图像并返回识别角度 (度)
// 任何失败都不会返回错误，而是降级为 NoDetection
func (c *Client) Detect(ctx context.Context, frame types.Frame) float64 {
	logger := c.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > c.cfg.Reconnect.MaxRetries {
				metrics.OracleRequests.WithLabelValues("exhausted").Inc()
				logger.Error("识别服务重连次数耗尽", "max_retries", c.cfg.Reconnect.MaxRetries)
				return NoDetection
			}
			delay := backoff(attempt, c.cfg.Reconnect)
			c.reconnects.Add(1)
			logger.Warn("重连识别服务", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				logger.Info("请求已取消")
				return NoDetection
			}
		}

		angle, err := c.roundTrip(ctx, frame)
		if err == nil {
			metrics.OracleRequests.WithLabelValues("ok").Inc()
			logger.Debug("收到识别角度", "angle_deg", angle)
			return angle
		}
		metrics.OracleRequests.WithLabelValues("error").Inc()
		logger.Warn("识别服务调用失败", "error", err)
		c.closeConn()
		if ctx.Err() != nil {
			return NoDetection
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, frame types.Frame) (float64, error) {
	if c.conn == nil {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			return 0, fmt.Errorf("dial: %w", err)
		}
		c.conn = conn
		c.logger.Info("已连接识别服务")
	}

	// ctx 取消时让阻塞中的读写立即返回
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	if err := WriteRequest(c.conn, frame.Width, frame.Height, frame.Data); err != nil {
		return 0, err
	}
	return ReadResponse(c.conn)
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// backoff 计算第 attempt 次重连的等待时间: RetryDelay * 2^(attempt-1)，不超过 MaxRetryDelay
func backoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
)

// DetectFunc 对一帧 RGB 图像做识别，返回角度 (度) 或 NoDetection
type DetectFunc func(ctx context.Context, req Request) float64

// Serve 在 ln 上接受连接，每个连接在独立 goroutine 中循环处理请求
// ctx 取消后关闭监听器和所有连接，等待处理 goroutine 退出后返回 nil
func Serve(ctx context.Context, ln net.Listener, detect DetectFunc, logger *slog.Logger) error {
	logger = logger.With("component", "oracle-server", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("识别服务已停止")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, detect, logger.With("remote", conn.RemoteAddr().String()))
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, detect DetectFunc, logger *slog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	logger.Info("客户端已连接")
	for {
		req, err := ReadRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Info("客户端断开连接")
			} else {
				logger.Warn("读取请求失败，关闭连接", "error", err)
			}
			return
		}
		angle := detect(ctx, req)
		if err := WriteResponse(conn, angle); err != nil {
			logger.Warn("发送响应失败", "error", err)
			return
		}
		logger.Debug("已返回识别角度", "width", req.Width, "height", req.Height, "angle_deg", angle)
	}
}

// NormalizeBoxAngle 把旋转框的角度 (弧度) 换算为 [0, 180] 度
// 框的高大于宽时补偿 90 度
func NormalizeBoxAngle(rotationRad, boxW, boxH float64) float64 {
	deg := rotationRad * 180 / math.Pi
	if boxH > boxW {
		deg += 90
	}
	if deg > 180 {
		deg -= 180
	}
	return deg
}

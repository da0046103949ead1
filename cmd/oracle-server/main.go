package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"pick-and-place-demo/internal/oracle"
)

// main 是识别服务的入口
// 每个请求先用前景矩检测旋转框，图像为空白时按 --simulate 模拟一个随机摆放的工件
func main() {
	addr := pflag.String("addr", oracle.DefaultConfig().Addr, "监听地址")
	failureRate := pflag.Float64("failure-rate", 0.1, "模拟识别失败的概率")
	simulate := pflag.Bool("simulate", true, "空白图像时返回模拟角度")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "oracle-server")
	slog.SetDefault(logger)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("监听失败", "error", err, "addr", *addr)
		os.Exit(1)
	}
	logger.Info("=== 识别服务启动 ===", "addr", ln.Addr().String(), "failure_rate", *failureRate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detector := oracle.DefaultBoxDetector()
	detect := func(ctx context.Context, req oracle.Request) float64 {
		// 模拟随机失败
		if rand.Float64() < *failureRate {
			logger.Warn("模拟识别失败", "width", req.Width, "height", req.Height)
			return oracle.NoDetection
		}
		if angle, ok := detector.Detect(req); ok {
			return angle
		}
		if !*simulate {
			return oracle.NoDetection
		}
		// 随机摆放的长方形工件
		rotation := rand.Float64() * math.Pi / 2
		boxW, boxH := 20+rand.Float64()*20, 20+rand.Float64()*20
		return oracle.NormalizeBoxAngle(rotation, boxW, boxH)
	}

	if err := oracle.Serve(ctx, ln, detect, logger); err != nil {
		logger.Error("识别服务异常退出", "error", err)
		os.Exit(1)
	}
	logger.Info("识别服务已安全退出")
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// CyclesTotal 计数器：抓取循环总数
	// 按结果 (completed/aborted) 分类
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_cycles_total",
		Help: "The total number of pick-and-place cycles by outcome",
	}, []string{"outcome"})

	// ArmState 仪表盘：机械臂当前所处状态，当前状态为 1，其余为 0
	ArmState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cell_arm_state",
		Help: "Current arm state (1 for the active state)",
	}, []string{"state"})

	// CycleDuration 直方图：单个抓取循环耗费的 tick 数
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cell_cycle_duration_ticks",
		Help:    "Ticks spent from object lock to release",
		Buckets: prometheus.LinearBuckets(150, 25, 10),
	})

	// DetectionAttempts 计数器：视觉识别尝试次数
	// 按结果 (found/empty) 分类
	DetectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_detection_attempts_total",
		Help: "Vision detection attempts by result",
	}, []string{"result"})

	// OracleRequests 计数器：识别服务请求次数
	// 按状态 (ok/error/exhausted) 分类
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_oracle_requests_total",
		Help: "Requests to the detection oracle by status",
	}, []string{"status"})

	// BeltStops 计数器：传送带停止次数，按原因分类
	BeltStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_belt_stops_total",
		Help: "Conveyor stops by reason",
	}, []string{"reason"})

	// ChannelDropped 计数器：通道满时被丢弃的消息
	ChannelDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cell_channel_dropped_total",
		Help: "Messages dropped because a channel queue was full",
	}, []string{"channel"})

	// SimTick 仪表盘：当前仿真 tick
	SimTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cell_sim_tick",
		Help: "The current shared simulation tick",
	})
)

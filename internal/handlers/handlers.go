package handlers

import (
	"log/slog"

	"pick-and-place-demo/internal/event"
	"pick-and-place-demo/internal/journal"
	"pick-and-place-demo/internal/metrics"
	"pick-and-place-demo/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 把监控、UI、审计日志这些关注点与控制回路解耦，jr 为空时不写循环日志
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, jr *journal.Journal, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.CycleCompleted, func(e event.Event) {
		metrics.CyclesTotal.WithLabelValues("completed").Inc()
		metrics.CycleDuration.Observe(float64(e.Ticks))
	})
	bus.Subscribe(event.DetectionAborted, func(e event.Event) {
		metrics.CyclesTotal.WithLabelValues("aborted").Inc()
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		bus.Subscribe(event.ArmStateChanged, func(e event.Event) {
			st.UpdateArmState(e.Tick, e.To, e.CycleID)
		})
		bus.Subscribe(event.CycleStarted, func(e event.Event) {
			st.StartCycle(e.Tick, e.CycleID, e.Offset, e.AngleRad)
		})
		bus.Subscribe(event.CycleCompleted, func(e event.Event) {
			st.CompleteCycle(e.Tick, web.CycleSummary{CycleID: e.CycleID, Offset: e.Offset, AngleRad: e.AngleRad, Ticks: e.Ticks})
		})
		bus.Subscribe(event.BeltStopped, func(e event.Event) {
			st.UpdateBelt(e.Tick, 0, e.Reason)
		})
		bus.Subscribe(event.BeltResumed, func(e event.Event) {
			st.UpdateBelt(e.Tick, e.Velocity, e.Reason)
		})
		bus.Subscribe(event.GraspReady, func(e event.Event) {
			st.RecordGraspReady(e.Tick)
		})
		bus.Subscribe(event.DetectionEmitted, func(e event.Event) {
			st.RecordDetection(e.Tick, e.Offset, e.AngleRad, false)
		})
		bus.Subscribe(event.DetectionAborted, func(e event.Event) {
			st.RecordDetection(e.Tick, 0, 0, true)
		})
	}

	// --- 审计日志处理器 (Journal Handler) ---
	if jr != nil {
		bus.Subscribe(event.CycleCompleted, func(e event.Event) {
			entry := journal.Entry{
				Type: journal.TypeCompleted, CycleID: e.CycleID, Tick: e.Tick,
				Offset: e.Offset, AngleRad: e.AngleRad, Ticks: e.Ticks,
			}
			if err := jr.Append(entry); err != nil {
				logger.Error("写入循环日志失败", "error", err, "cycle_id", e.CycleID)
			}
		})
		bus.Subscribe(event.DetectionAborted, func(e event.Event) {
			if err := jr.Append(journal.Entry{Type: journal.TypeAborted, CycleID: e.CycleID, Tick: e.Tick}); err != nil {
				logger.Error("写入循环日志失败", "error", err, "request_id", e.CycleID)
			}
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.CycleCompleted, func(e event.Event) {
		logger.Info("抓取循环完成", "cycle_id", e.CycleID, "ticks", e.Ticks, "offset", e.Offset)
	})
	bus.Subscribe(event.DetectionAborted, func(e event.Event) {
		logger.Warn("识别中止，本次没有抓取", "request_id", e.CycleID, "reason", e.Reason)
	})
}

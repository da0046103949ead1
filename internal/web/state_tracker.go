package web

import (
	"sync"
)

// recentLimit 是保留的最近循环数量
const recentLimit = 20

// ArmView 是机械臂回路的 UI 视图
type ArmView struct {
	State           string  `json:"state"`
	CycleID         string  `json:"cycle_id,omitempty"`
	Offset          float64 `json:"offset"`
	AngleRad        float64 `json:"angle_rad"`
	CyclesCompleted int     `json:"cycles_completed"`
	Tick            uint64  `json:"tick"`
}

// ConveyorView 是传送带回路的 UI 视图
type ConveyorView struct {
	Velocity   float64 `json:"velocity"`
	Stopped    bool    `json:"stopped"`
	LastReason string  `json:"last_reason,omitempty"`
	GraspReady int     `json:"grasp_ready"` // 已发送 GO_DOWN 次数
	Tick       uint64  `json:"tick"`
}

// VisionView 是视觉客户端的 UI 视图
type VisionView struct {
	Emitted      int     `json:"emitted"`
	Aborted      int     `json:"aborted"`
	LastOffset   float64 `json:"last_offset"`
	LastAngleRad float64 `json:"last_angle_rad"`
	Tick         uint64  `json:"tick"`
}

// CycleSummary 是一个已完成循环的摘要
type CycleSummary struct {
	CycleID  string  `json:"cycle_id"`
	Offset   float64 `json:"offset"`
	AngleRad float64 `json:"angle_rad"`
	Ticks    uint64  `json:"ticks"`
	EndTick  uint64  `json:"end_tick"`
}

// GlobalState 代表整个抓取单元的实时状态快照
type GlobalState struct {
	Arm      ArmView        `json:"arm"`
	Conveyor ConveyorView   `json:"conveyor"`
	Vision   VisionView     `json:"vision"`
	Recent   []CycleSummary `json:"recent"`
}

// StateTracker 负责追踪三个回路的实时状态，并通知前端更新
// 事件是异步投递的，每个视图只接受不早于当前记录 tick 的更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为空
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{Arm: ArmView{State: "WAITING"}},
		hub:   hub,
	}
}

// UpdateArmState 更新机械臂状态
func (st *StateTracker) UpdateArmState(tick uint64, state, cycleID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if tick < st.state.Arm.Tick {
		return
	}
	st.state.Arm.Tick = tick
	st.state.Arm.State = state
	st.state.Arm.CycleID = cycleID
	st.broadcast()
}

// StartCycle 记录新循环的识别结果
func (st *StateTracker) StartCycle(tick uint64, cycleID string, offset, angleRad float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if tick < st.state.Arm.Tick {
		return
	}
	st.state.Arm.Tick = tick
	st.state.Arm.CycleID = cycleID
	st.state.Arm.Offset = offset
	st.state.Arm.AngleRad = angleRad
	st.broadcast()
}

// CompleteCycle 记录一个已完成的循环
// 完成计数与 tick 顺序无关，总是累加
func (st *StateTracker) CompleteCycle(tick uint64, summary CycleSummary) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.Arm.CyclesCompleted++
	summary.EndTick = tick
	st.state.Recent = append(st.state.Recent, summary)
	if len(st.state.Recent) > recentLimit {
		st.state.Recent = st.state.Recent[len(st.state.Recent)-recentLimit:]
	}
	st.broadcast()
}

// UpdateBelt 更新传送带状态
func (st *StateTracker) UpdateBelt(tick uint64, velocity float64, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if tick < st.state.Conveyor.Tick {
		return
	}
	st.state.Conveyor.Tick = tick
	st.state.Conveyor.Velocity = velocity
	st.state.Conveyor.Stopped = velocity == 0
	st.state.Conveyor.LastReason = reason
	st.broadcast()
}

// RecordGraspReady 累加 GO_DOWN 次数
func (st *StateTracker) RecordGraspReady(tick uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.Conveyor.GraspReady++
	st.broadcast()
}

// RecordDetection 记录一次识别结果，aborted 表示发送了中止标记
func (st *StateTracker) RecordDetection(tick uint64, offset, angleRad float64, aborted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if aborted {
		st.state.Vision.Aborted++
	} else {
		st.state.Vision.Emitted++
	}
	if tick >= st.state.Vision.Tick {
		st.state.Vision.Tick = tick
		if !aborted {
			st.state.Vision.LastOffset = offset
			st.state.Vision.LastAngleRad = angleRad
		}
	}
	st.broadcast()
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot()
}

func (st *StateTracker) snapshot() GlobalState {
	s := st.state
	s.Recent = append([]CycleSummary(nil), st.state.Recent...)
	return s
}

// broadcast 调用方必须持有锁
func (st *StateTracker) broadcast() {
	st.hub.BroadcastState(st.snapshot())
}

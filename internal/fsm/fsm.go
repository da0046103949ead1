package fsm

import (
	"fmt"
	"sync"
)

// State 定义机械臂状态类型
type State string

// Event 定义驱动状态转移的事件类型
type Event string

const (
	StateWaiting           State = "WAITING"
	StateTranslating       State = "TRANSLATING"
	StateWaitingForDescend State = "WAITING_FOR_DESCEND"
	StateDescending        State = "DESCENDING"
	StateGrasping          State = "GRASPING"
	StateAscending         State = "ASCENDING"
	StateTranslatingBack   State = "TRANSLATING_BACK"
	StateReleasing         State = "RELEASING"
)

const (
	EventObjectLocked Event = "OBJECT_LOCKED" // 识别结果已锁定
	EventTranslated   Event = "TRANSLATED"    // 水平平移完成
	EventGoDown       Event = "GO_DOWN"       // 收到传送带的下降信号
	EventDescended    Event = "DESCENDED"     // 下降完成
	EventGripClosed   Event = "GRIP_CLOSED"   // 夹爪闭合
	EventAscended     Event = "ASCENDED"      // 上升完成
	EventReturned     Event = "RETURNED"      // 水平回位完成
	EventReleased     Event = "RELEASED"      // 放料完成，恢复传送带
)

// States 按抓取循环顺序返回全部状态
func States() []State {
	return []State{
		StateWaiting,
		StateTranslating,
		StateWaitingForDescend,
		StateDescending,
		StateGrasping,
		StateAscending,
		StateTranslatingBack,
		StateReleasing,
	}
}

// FSM 机械臂抓取循环的有限状态机
// 转移是严格的环：每个状态只有一个合法事件
type FSM struct {
	current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义进入状态后的回调: State -> func(from, to)
	callbacks map[State]func(from, to State)
	TargetID  string // 关联的目标对象ID（机械臂名称）
}

// NewFSM 创建一个处于 WAITING 状态的状态机
func NewFSM(targetID string) *FSM {
	fsm := &FSM{
		current:     StateWaiting,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(State, State)),
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateWaiting, EventObjectLocked, StateTranslating)
	f.addTransition(StateTranslating, EventTranslated, StateWaitingForDescend)
	f.addTransition(StateWaitingForDescend, EventGoDown, StateDescending)
	f.addTransition(StateDescending, EventDescended, StateGrasping)
	f.addTransition(StateGrasping, EventGripClosed, StateAscending)
	f.addTransition(StateAscending, EventAscended, StateTranslatingBack)
	f.addTransition(StateTranslatingBack, EventReturned, StateReleasing)
	f.addTransition(StateReleasing, EventReleased, StateWaiting)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(from, to State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, cur)
	}

	prevState := f.current
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	// 回调在锁外执行，回调中可以安全读取 Current
	if cb != nil {
		cb(prevState, nextState)
	}
	return nil
}

// Next 返回 state 在抓取循环中的下一个状态
func Next(state State) (State, error) {
	states := States()
	for i, s := range states {
		if s == state {
			return states[(i+1)%len(states)], nil
		}
	}
	return "", fmt.Errorf("unknown state %q", state)
}

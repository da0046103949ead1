package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStateTracker_IgnoresStaleUpdates(t *testing.T) {
	st := NewStateTracker(nil)

	st.UpdateArmState(10, "TRANSLATING", "c1")
	st.UpdateArmState(8, "WAITING", "")
	if got := st.GetStateSnapshot().Arm.State; got != "TRANSLATING" {
		t.Errorf("较早的事件不应覆盖较新的状态, 得到 %s", got)
	}

	st.UpdateBelt(5, 0, "object_detected")
	st.UpdateBelt(3, 0.2, "arm_request")
	c := st.GetStateSnapshot().Conveyor
	if !c.Stopped || c.LastReason != "object_detected" {
		t.Errorf("传送带视图错误: %+v", c)
	}
}

func TestStateTracker_Counters(t *testing.T) {
	st := NewStateTracker(nil)
	st.RecordDetection(5, 0.12, 0.4, false)
	st.RecordDetection(3, 0, 0, true)
	st.RecordGraspReady(7)
	for i := 0; i < recentLimit+5; i++ {
		st.CompleteCycle(uint64(100+i), CycleSummary{CycleID: "c", Ticks: 300})
	}

	s := st.GetStateSnapshot()
	if s.Vision.Emitted != 1 || s.Vision.Aborted != 1 || s.Vision.LastOffset != 0.12 {
		t.Errorf("视觉视图错误: %+v", s.Vision)
	}
	if s.Conveyor.GraspReady != 1 {
		t.Errorf("GO_DOWN 计数错误: %d", s.Conveyor.GraspReady)
	}
	if s.Arm.CyclesCompleted != recentLimit+5 || len(s.Recent) != recentLimit {
		t.Errorf("循环计数错误: %d, recent %d", s.Arm.CyclesCompleted, len(s.Recent))
	}
	if s.Recent[len(s.Recent)-1].EndTick != uint64(100+recentLimit+4) {
		t.Errorf("最近循环应保留最新的记录, 得到 %+v", s.Recent[len(s.Recent)-1])
	}

	// 快照是副本
	s.Recent[0].CycleID = "changed"
	if st.GetStateSnapshot().Recent[0].CycleID == "changed" {
		t.Error("快照不应共享底层数组")
	}
}

func TestHub_BroadcastsToWebSocketClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	st := NewStateTracker(hub)
	server := httptest.NewServer(hub.ServeWs(func() interface{} { return st.GetStateSnapshot() }))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial GlobalState
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("读取初始快照失败: %v", err)
	}
	if initial.Arm.State != "WAITING" {
		t.Errorf("初始快照错误: %+v", initial.Arm)
	}

	// 等待注册完成后再广播
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	st.UpdateArmState(42, "DESCENDING", "c9")

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取广播失败: %v", err)
	}
	var got GlobalState
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("解析广播失败: %v", err)
	}
	if got.Arm.State != "DESCENDING" || got.Arm.Tick != 42 {
		t.Errorf("广播内容错误: %+v", got.Arm)
	}
}

package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// 记录类型
const (
	TypeCompleted = "COMPLETED" // 抓取循环完成
	TypeAborted   = "ABORTED"   // 识别重试耗尽，没有启动循环
)

// Entry 代表日志文件中的一条循环记录
type Entry struct {
	Type     string    `json:"type"`
	CycleID  string    `json:"cycle_id"`
	Tick     uint64    `json:"tick"`                // 记录时的仿真 tick
	Offset   float64   `json:"offset,omitempty"`    // 工件横向偏移
	AngleRad float64   `json:"angle_rad,omitempty"` // 抓取角度
	Ticks    uint64    `json:"ticks,omitempty"`     // 循环耗费的 tick 数
	Time     time.Time `json:"time"`                // 写入时的墙上时间
}

// Journal 是只追加的 JSON Lines 审计日志，记录每个抓取循环的结果
// 它只用于事后审计，启动时不会读回恢复状态
type Journal struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// Open 创建或打开一个日志文件
func Open(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{file: file}, nil
}

// Append 写入一条记录，Time 为空时填入当前时间
func (j *Journal) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	// 写入数据并在末尾添加换行符
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return j.file.Sync()
}

// Entries 读取全部记录，损坏的行被跳过
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// 控制消息的文本标记
const (
	TokenStop          = "STOP"       // 传送带 -> 视觉：传送带已停止，开始识别
	TokenStartConveyor = "START_CONV" // 机械臂 -> 传送带：恢复运行
	TokenGraspReady    = "1"          // 传送带 -> 机械臂：工件到位，可以下降 (GO_DOWN)
)

// AbortPayload 是识别彻底失败时发送给机械臂的保留载荷
const AbortPayload = "0.0 0.0 0.0 0.0"

// detectionFields 是识别载荷的字段数: x y z angle_rad
const detectionFields = 4

var (
	// ErrFieldCount 表示识别载荷字段数量不正确
	ErrFieldCount = errors.New("detection payload: wrong field count")
	// ErrBadNumber 表示识别载荷中有无法解析的数字
	ErrBadNumber = errors.New("detection payload: bad number")
)

// Detection 是视觉客户端发出的识别结果
type Detection struct {
	Position r3.Vector // 工件相对相机的位置
	AngleRad float64   // 抓取角度 (弧度)
}

// Encode 编码为 "x y z angle_rad" 文本
func (d Detection) Encode() string {
	if d.IsAbort() {
		return AbortPayload
	}
	return strings.Join([]string{
		formatFloat(d.Position.X),
		formatFloat(d.Position.Y),
		formatFloat(d.Position.Z),
		formatFloat(d.AngleRad),
	}, " ")
}

// IsAbort 判断是否是全零的中止标记
func (d Detection) IsAbort() bool {
	return d.Position.X == 0 && d.Position.Y == 0 && d.Position.Z == 0 && d.AngleRad == 0
}

// ParseDetection 解析空白分隔的四个浮点字段，NaN 和无穷大按无法解析处理
func ParseDetection(s string) (Detection, error) {
	fields := strings.Fields(s)
	if len(fields) != detectionFields {
		return Detection{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), detectionFields)
	}
	var vals [detectionFields]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Detection{}, fmt.Errorf("%w: field %d %q", ErrBadNumber, i, f)
		}
		vals[i] = v
	}
	return Detection{
		Position: r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]},
		AngleRad: vals[3],
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

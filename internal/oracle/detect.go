package oracle

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"
)

// BoxDetector 在 RGB 图像中寻找与背景不同的前景区域，用二阶矩估计旋转框角度
type BoxDetector struct {
	Threshold int // 与背景亮度的最小差值
	MinPixels int // 前景像素少于该值视为没有工件
}

// DefaultBoxDetector 返回适合仿真相机的检测参数
func DefaultBoxDetector() BoxDetector {
	return BoxDetector{Threshold: 40, MinPixels: 12}
}

// Detect 返回旋转框角度 (度，范围 [0, 180])，ok 为 false 表示没有找到前景
func (d BoxDetector) Detect(req Request) (angle float64, ok bool) {
	w, h := int(req.Width), int(req.Height)
	if w == 0 || h == 0 || len(req.Pixels) < w*h*3 {
		return NoDetection, false
	}
	// 左上角像素作为背景
	bg := luma(req.Pixels[0:3])

	var xs, ys []float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			if abs(luma(req.Pixels[i:i+3])-bg) >= d.Threshold {
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
			}
		}
	}
	if len(xs) < d.MinPixels {
		return NoDetection, false
	}

	cxx := stat.Variance(xs, nil)
	cyy := stat.Variance(ys, nil)
	cxy := stat.Covariance(xs, ys, nil)
	theta := 0.5 * math.Atan2(2*cxy, cxx-cyy)
	if theta < 0 {
		theta += math.Pi
	}

	// 沿主轴和副轴投影得到框的边长
	mx, my := stat.Mean(xs, nil), stat.Mean(ys, nil)
	cos, sin := math.Cos(theta), math.Sin(theta)
	var minU, maxU, minV, maxV float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		u := dx*cos + dy*sin
		v := -dx*sin + dy*cos
		minU, maxU = math.Min(minU, u), math.Max(maxU, u)
		minV, maxV = math.Min(minV, v), math.Max(maxV, v)
	}
	return NormalizeBoxAngle(theta, maxU-minU+1, maxV-minV+1), true
}

// Func 把检测器包装为 DetectFunc
func (d BoxDetector) Func() DetectFunc {
	return func(_ context.Context, req Request) float64 {
		angle, _ := d.Detect(req)
		return angle
	}
}

func luma(rgb []byte) int {
	return (299*int(rgb[0]) + 587*int(rgb[1]) + 114*int(rgb[2])) / 1000
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

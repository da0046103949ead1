package vision

import "pick-and-place-demo/internal/types"

// ToRGB 把相机输出的 BGRA 帧转换为交错排列的 RGB 帧，识别服务只接受 RGB
// 不是四通道的帧原样返回
func ToRGB(f types.Frame) types.Frame {
	if f.Channels != 4 {
		return f
	}
	pixels := f.Width * f.Height
	out := make([]byte, pixels*3)
	for i := 0; i < pixels; i++ {
		src := i * f.Channels
		if src+3 >= len(f.Data) {
			break
		}
		out[i*3] = f.Data[src+2]
		out[i*3+1] = f.Data[src+1]
		out[i*3+2] = f.Data[src]
	}
	return types.Frame{Width: f.Width, Height: f.Height, Channels: 3, Data: out}
}

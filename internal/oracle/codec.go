package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// NoDetection 是识别服务返回 "未识别到" 时使用的保留角度
const NoDetection = -999.0

// MaxFrameBytes 限制单帧图像大小，防止异常请求头导致超大内存分配
const MaxFrameBytes = 32 << 20

// rgbChannels 是请求中每像素的字节数
const rgbChannels = 3

var (
	// ErrShortResponse 表示响应不足 8 字节
	ErrShortResponse = errors.New("oracle: short response")
	// ErrFrameSize 表示请求头中的字节数与宽高不一致或超出上限
	ErrFrameSize = errors.New("oracle: invalid frame size")
)

// Request 是一次识别请求：宽、高和交错排列的 RGB 像素
type Request struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

// WriteRequest 写出请求：三个大端 uint32 (宽、高、字节数)，随后是像素数据
func WriteRequest(w io.Writer, width, height int, pixels []byte) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(width))
	binary.BigEndian.PutUint32(header[4:8], uint32(height))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(pixels)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	if _, err := w.Write(pixels); err != nil {
		return fmt.Errorf("write request pixels: %w", err)
	}
	return nil
}

// ReadRequest 读取一个完整请求
// 连接在请求边界处关闭时返回 io.EOF
func ReadRequest(r io.Reader) (Request, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Request{}, err
	}
	req := Request{
		Width:  binary.BigEndian.Uint32(header[0:4]),
		Height: binary.BigEndian.Uint32(header[4:8]),
	}
	size := binary.BigEndian.Uint32(header[8:12])
	if size > MaxFrameBytes || uint64(size) != uint64(req.Width)*uint64(req.Height)*rgbChannels {
		return Request{}, fmt.Errorf("%w: %dx%d with %d bytes", ErrFrameSize, req.Width, req.Height, size)
	}
	req.Pixels = make([]byte, size)
	if _, err := io.ReadFull(r, req.Pixels); err != nil {
		return Request{}, fmt.Errorf("read request pixels: %w", err)
	}
	return req, nil
}

// WriteResponse 写出角度 (度)，8 字节小端 IEEE-754
func WriteResponse(w io.Writer, angleDeg float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(angleDeg))
	_, err := w.Write(buf[:])
	return err
}

// ReadResponse 读取角度 (度)
func ReadResponse(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: %v", ErrShortResponse, err)
		}
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}

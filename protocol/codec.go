package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 帧格式：kind(1) + length(2, 大端) + argument(length)
const (
	HeaderSize          = 3
	MaxArgumentSize     = 0xFFFF
	DefaultMaxFrameSize = 4 << 10 // 4KB
)

var (
	ErrIncomplete    = errors.New("protocol: incomplete frame")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrUnknownKind   = errors.New("protocol: unknown command kind")
)

// AppendFrame 将命令编码后追加到 dst，只受线上长度字段（MaxArgumentSize）限制
func AppendFrame(dst []byte, c Command) ([]byte, error) {
	if !c.Kind.Valid() {
		return dst, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(c.Kind))
	}
	if len(c.Argument) > MaxArgumentSize {
		return dst, fmt.Errorf("%w: argument is %d bytes", ErrFrameTooLarge, len(c.Argument))
	}
	dst = append(dst, byte(c.Kind))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(c.Argument)))
	return append(dst, c.Argument...), nil
}

// Encode 编码单个命令；ClientID 不上线，由接收端的连接填充。
// 上限与 Decode 的默认值一致，保证编码成功的帧一定能被对端解码。
func Encode(c Command) ([]byte, error) {
	return EncodeMax(c, DefaultMaxFrameSize)
}

// EncodeMax 按给定的单帧上限编码，maxFrame <= 0 时使用 DefaultMaxFrameSize
func EncodeMax(c Command, maxFrame int) ([]byte, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	if total := HeaderSize + len(c.Argument); total > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxFrame)
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(c.Argument)), c)
}

// Decode 从 buf 头部解析一帧，返回命令与消耗的字节数。
// 数据不足时返回 ErrIncomplete 且 n 为 0；
// 未知类型返回 KindNop 和 ErrUnknownKind，n 覆盖整帧以便跳过。
func Decode(buf []byte, maxFrame int) (Command, int, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	if len(buf) < HeaderSize {
		return Command{}, 0, ErrIncomplete
	}
	kind := Kind(buf[0])
	total := HeaderSize + int(binary.BigEndian.Uint16(buf[1:HeaderSize]))
	if total > maxFrame {
		return Command{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxFrame)
	}
	if len(buf) < total {
		return Command{}, 0, ErrIncomplete
	}
	if !kind.Valid() {
		return Command{Kind: KindNop}, total, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	return Command{Kind: kind, Argument: string(buf[HeaderSize:total])}, total, nil
}

// Decoder 增量重组：连接每次读到的小块数据都追加到累积缓冲，
// 再反复调用 Next 取出完整帧，与传输层的分块大小无关。
type Decoder struct {
	buf      []byte
	off      int
	maxFrame int
}

func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Write 追加一块数据；若待解析的帧头已声明超限长度则返回 ErrFrameTooLarge
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	if _, _, err := Decode(d.buf, d.maxFrame); errors.Is(err, ErrFrameTooLarge) {
		return len(p), err
	}
	return len(p), nil
}

// Next 取出下一帧。ok 为 false 表示需要更多数据。
// 未知类型的帧会被跳过，同时返回 KindNop 与 ErrUnknownKind。
func (d *Decoder) Next() (Command, bool, error) {
	cmd, n, err := Decode(d.buf[d.off:], d.maxFrame)
	d.off += n
	switch {
	case errors.Is(err, ErrIncomplete):
		return Command{}, false, nil
	case err != nil:
		return cmd, n > 0, err
	}
	return cmd, true, nil
}

// Buffered 返回尚未组成完整帧的字节数
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// ReadFrame 从 r 精确读取一帧，不多读任何字节（用于握手）
func ReadFrame(r io.Reader, maxFrame int) (Command, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Command{}, err
	}
	total := HeaderSize + int(binary.BigEndian.Uint16(header[1:]))
	if total > maxFrame {
		return Command{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxFrame)
	}
	frame := make([]byte, total)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Command{}, err
	}
	cmd, _, err := Decode(frame, maxFrame)
	return cmd, err
}

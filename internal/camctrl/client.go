// Package camctrl speaks the capture device's control protocol over a unix
// domain socket. Messages are an 8 byte little-endian header
// [u16 magic][u16 type][u32 size] followed by size payload bytes.
package camctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"
)

const (
	// Magic marks every control message.
	Magic uint16 = 0x1CF3

	headerSize = 8

	// Sent to the capture device.
	TypeReqInfo  uint16 = 0x0100
	TypeLive     uint16 = 0x0101
	TypeStartRec uint16 = 0x0102
	TypeStopRec  uint16 = 0x0103

	// Received from the capture device.
	TypeCamInfo uint16 = 0x0200
)

// ErrBadMessage reports a frame that does not carry the protocol magic or
// whose payload does not match its declared type.
var ErrBadMessage = errors.New("camctrl: malformed control message")

const defaultTimeout = 3 * time.Second

// camInfoSize is the fixed payload size of a TypeCamInfo message:
// u32 format, u16 width, u16 height, f64 fps.
const camInfoSize = 16

// CamInfo describes the capture device's current video mode.
type CamInfo struct {
	Format uint32
	Width  uint16
	Height uint16
	FPS    float64
}

func (ci CamInfo) String() string {
	return fmt.Sprintf("%dx%d@%.1ffps (fourcc %#x)", ci.Width, ci.Height, ci.FPS, ci.Format)
}

// Client is a control connection to the capture device. It is safe for
// concurrent use; requests are serialized on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	log     *slog.Logger
	timeout time.Duration
}

// Dial connects to the capture device's control socket.
func Dial(path string, log *slog.Logger) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("camctrl: dial %s: %w", path, err)
	}
	return NewClient(conn, log), nil
}

// NewClient wraps an established control connection.
func NewClient(conn net.Conn, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		conn:    conn,
		log:     log.With("component", "camctrl"),
		timeout: defaultTimeout,
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// CameraInfo asks the device for its current video mode.
func (c *Client) CameraInfo(ctx context.Context) (CamInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return CamInfo{}, err
	}
	if err := writeMessage(c.conn, TypeReqInfo, nil); err != nil {
		return CamInfo{}, fmt.Errorf("camctrl: request info: %w", err)
	}
	typ, payload, err := readMessage(c.conn)
	if err != nil {
		return CamInfo{}, fmt.Errorf("camctrl: read info: %w", err)
	}
	if typ != TypeCamInfo {
		return CamInfo{}, fmt.Errorf("%w: reply type %#x", ErrBadMessage, typ)
	}
	info, err := decodeCamInfo(payload)
	if err != nil {
		return CamInfo{}, err
	}
	c.log.Debug("camera info", "mode", info.String())
	return info, nil
}

// StartRecording tells the device to begin writing recorded frames.
func (c *Client) StartRecording(ctx context.Context) error {
	return c.signal(ctx, TypeStartRec, "start recording")
}

// StopRecording tells the device to stop writing recorded frames.
func (c *Client) StopRecording(ctx context.Context) error {
	return c.signal(ctx, TypeStopRec, "stop recording")
}

// Live tells the device to resume the live preview stream.
func (c *Client) Live(ctx context.Context) error {
	return c.signal(ctx, TypeLive, "live")
}

func (c *Client) signal(ctx context.Context, typ uint16, what string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if err := writeMessage(c.conn, typ, nil); err != nil {
		return fmt.Errorf("camctrl: %s: %w", what, err)
	}
	c.log.Debug("control signal sent", "signal", what)
	return nil
}

func (c *Client) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(c.timeout)
	}
	return c.conn.SetDeadline(dl)
}

func writeMessage(w io.Writer, typ uint16, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], typ)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) (uint16, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if magic := binary.LittleEndian.Uint16(hdr[0:2]); magic != Magic {
		return 0, nil, fmt.Errorf("%w: magic %#x", ErrBadMessage, magic)
	}
	typ := binary.LittleEndian.Uint16(hdr[2:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > 1<<16 {
		return 0, nil, fmt.Errorf("%w: payload size %d", ErrBadMessage, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

func decodeCamInfo(payload []byte) (CamInfo, error) {
	if len(payload) != camInfoSize {
		return CamInfo{}, fmt.Errorf("%w: cam info payload %d bytes", ErrBadMessage, len(payload))
	}
	return CamInfo{
		Format: binary.LittleEndian.Uint32(payload[0:4]),
		Width:  binary.LittleEndian.Uint16(payload[4:6]),
		Height: binary.LittleEndian.Uint16(payload[6:8]),
		FPS:    math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16])),
	}, nil
}

package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zachmartin/deltaframe/internal/codec"
)

var (
	ErrFrameTooLarge  = errors.New("media: raw frame too large")
	ErrRawType        = errors.New("media: unsupported raw frame type")
	ErrRawFrameLength = errors.New("media: raw frame length does not match dimensions")
)

// IPCConsumer listens for raw frames from the capture process
type IPCConsumer struct {
	socketPath string
	listener   net.Listener
	conn       net.Conn
	log        zerolog.Logger

	Frames chan *RawFrame

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	seq     atomic.Uint32
	dropped atomic.Uint64
}

// NewIPCConsumer creates a new IPC consumer
func NewIPCConsumer(socketPath string, log zerolog.Logger) *IPCConsumer {
	return &IPCConsumer{
		socketPath: socketPath,
		log:        log.With().Str("component", "ipc").Logger(),
		Frames:     make(chan *RawFrame, 8), // raw frames are large, keep the buffer short
		stopChan:   make(chan struct{}),
	}
}

// Start begins listening for connections and reading frames
func (c *IPCConsumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	// Remove existing socket file if present
	os.Remove(c.socketPath)

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", c.socketPath, err)
	}
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	c.log.Info().Str("socket", c.socketPath).Msg("IPC listening")

	c.wg.Add(1)
	go c.acceptLoop()

	return nil
}

// Addr returns the listener address, or nil before Start.
func (c *IPCConsumer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *IPCConsumer) acceptLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
				c.log.Warn().Err(err).Msg("IPC accept error")
				continue
			}
		}

		c.log.Info().Msg("IPC client connected")

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			conn.Close()
			return
		}
		// Close previous connection if any
		if c.conn != nil {
			c.conn.Close()
		}
		c.conn = conn
		c.mu.Unlock()

		c.handleConnection(conn)
	}
}

func (c *IPCConsumer) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.log.Info().Msg("IPC client disconnected")
	}()

	header := make([]byte, RawHeaderSize)
	frameCount := 0

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		frame, err := ReadRawFrame(conn, header)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn().Err(err).Msg("IPC read error")
			}
			return
		}
		frame.Seq = c.seq.Add(1) - 1

		// Send to channel (non-blocking)
		select {
		case c.Frames <- frame:
			frameCount++
			if frameCount%300 == 0 {
				c.log.Debug().
					Int("frames", frameCount).
					Uint64("dropped", c.dropped.Load()).
					Uint16("width", frame.Width).
					Uint16("height", frame.Height).
					Msg("IPC frames received")
			}
		case <-c.stopChan:
			return
		default:
			c.dropped.Add(1)
			c.log.Debug().Uint32("seq", frame.Seq).Msg("IPC frame dropped (channel full)")
		}
	}
}

// ReadRawFrame reads one raw frame from r. header is scratch space of at
// least RawHeaderSize bytes; pass nil to allocate.
func ReadRawFrame(r io.Reader, header []byte) (*RawFrame, error) {
	if len(header) < RawHeaderSize {
		header = make([]byte, RawHeaderSize)
	}
	header = header[:RawHeaderSize]

	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	rawType := RawType(header[0])
	flags := RawFlags(header[1])
	pts := int64(binary.LittleEndian.Uint64(header[2:10]))
	width := binary.LittleEndian.Uint16(header[10:12])
	height := binary.LittleEndian.Uint16(header[12:14])
	length := binary.LittleEndian.Uint32(header[14:18])

	if rawType != RawTypeRGB24 {
		return nil, fmt.Errorf("%w: %#x", ErrRawType, byte(rawType))
	}
	if length > MaxRawFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if int(length) != codec.FrameSize(height, width) {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrRawFrameLength, length, width, height)
	}

	pix := make([]byte, length)
	if _, err := io.ReadFull(r, pix); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("payload: %w", err)
	}

	return &RawFrame{
		PTS:           pts,
		Width:         width,
		Height:        height,
		Pix:           pix,
		ForceKeyframe: flags&FlagRequestKeyframe != 0,
	}, nil
}

// WriteRawFrame writes f in the IPC wire format.
func WriteRawFrame(w io.Writer, f *RawFrame) error {
	if len(f.Pix) != codec.FrameSize(f.Height, f.Width) {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrRawFrameLength, len(f.Pix), f.Width, f.Height)
	}
	if len(f.Pix) > MaxRawFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Pix))
	}

	header := make([]byte, RawHeaderSize)
	header[0] = byte(RawTypeRGB24)
	if f.ForceKeyframe {
		header[1] = byte(FlagRequestKeyframe)
	}
	binary.LittleEndian.PutUint64(header[2:10], uint64(f.PTS))
	binary.LittleEndian.PutUint16(header[10:12], f.Width)
	binary.LittleEndian.PutUint16(header[12:14], f.Height)
	binary.LittleEndian.PutUint32(header[14:18], uint32(len(f.Pix)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(f.Pix)
	return err
}

// Dropped returns the number of frames dropped because Frames was full.
func (c *IPCConsumer) Dropped() uint64 {
	return c.dropped.Load()
}

// Stop shuts down the IPC consumer
func (c *IPCConsumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	c.running = false
	close(c.stopChan)

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if c.listener != nil {
		c.listener.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()

	// Remove socket file
	os.Remove(c.socketPath)

	close(c.Frames)

	c.log.Info().Msg("IPC consumer stopped")
	return nil
}

// IsRunning returns whether the consumer is running
func (c *IPCConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

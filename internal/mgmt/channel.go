package mgmt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blefab/blefab/internal/ble"
)

// Error kinds per spec.md §7. These are sentinel values, not a custom
// error-code type: package-level errors.New, wrapped at call sites with
// fmt.Errorf("...: %w", ...) and checked with errors.Is.
var (
	ErrTransportSetupFailed = errors.New("mgmt: transport setup failed")
	ErrPermissionDenied     = errors.New("mgmt: permission denied")
	ErrShutdown             = errors.New("mgmt: shutdown")
)

const capabilityProbeTimeout = 5 * time.Second
const reconnectBackoff = 1 * time.Second

// RawIngester is the scanner-facing entry point a Channel delivers decoded
// DeviceFound/AdvMonitorDeviceFound frames to. scan.LocalScanner implements
// it; Channel only depends on this narrow interface to avoid an import
// cycle with internal/scan.
type RawIngester interface {
	IngestRaw(addr string, addrType uint8, rssi int8, flags uint32, adData []byte)
}

type commandResponse struct {
	status  uint8
	payload []byte
}

// Channel is the MGMT protocol client: it owns the socket, the receive
// decoder, the per-controller scanner dispatch table, and the
// request/response correlation map for outbound commands.
type Channel struct {
	dial         Dialer
	logger       *slog.Logger
	setupTimeout time.Duration

	mu           sync.Mutex
	sock         Socket
	scanners     map[uint16]RawIngester
	pending      map[uint16]chan commandResponse
	shuttingDown bool

	connLost chan struct{}
	cancel   context.CancelFunc
}

// Option configures optional Channel parameters.
type Option func(*Channel)

// WithSetupTimeout overrides the default connection-made timeout.
func WithSetupTimeout(d time.Duration) Option {
	return func(c *Channel) { c.setupTimeout = d }
}

// NewChannel constructs a Channel that dials connections via dial. Setup
// must be called before the channel does anything useful.
func NewChannel(dial Dialer, logger *slog.Logger, opts ...Option) *Channel {
	c := &Channel{
		dial:         dial,
		logger:       logger.With(slog.String("component", "mgmt.channel")),
		setupTimeout: 10 * time.Second,
		scanners:     make(map[uint16]RawIngester),
		pending:      make(map[uint16]chan commandResponse),
		connLost:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterScanner binds a controller index to the scanner that should
// receive its raw DeviceFound frames.
func (c *Channel) RegisterScanner(controllerIdx uint16, ingester RawIngester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanners[controllerIdx] = ingester
}

// UnregisterScanner removes a controller's scanner binding.
func (c *Channel) UnregisterScanner(controllerIdx uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scanners, controllerIdx)
}

// Setup opens the socket, runs the capability probe, and — only if the
// probe succeeds — spawns the supervised reconnect loop. On probe failure
// the channel is left fully closed and ErrPermissionDenied is returned; the
// caller decides whether to fall back to scan-only operation.
func (c *Channel) Setup(ctx context.Context) error {
	if err := c.establishConnection(ctx); err != nil {
		return fmt.Errorf("mgmt setup: %w: %w", ErrTransportSetupFailed, err)
	}

	ok, err := c.checkCapabilities(ctx)
	if err != nil || !ok {
		c.mu.Lock()
		c.shuttingDown = true
		sock := c.sock
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		if err != nil {
			return fmt.Errorf("mgmt capability probe: %w: %w", ErrPermissionDenied, err)
		}
		return ErrPermissionDenied
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.reconnectLoop(runCtx)

	return nil
}

// Close shuts the channel down. Idempotent; pending response futures are
// abandoned, not resolved, and any subsequent connection-lost signal is
// logged at debug without triggering reconnection.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	sock := c.sock
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close()
	}
}

func (c *Channel) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

func (c *Channel) establishConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	sock, err := c.dial(dialCtx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	go c.readLoop(sock)
	return nil
}

// readLoop owns one socket's lifetime: it reads until the socket errors
// (peer closed, I/O error) and then signals connection-lost.
func (c *Channel) readLoop(sock Socket) {
	var decoder Decoder
	buf := make([]byte, 4096)

	for {
		n, err := sock.Read(buf)
		if err != nil {
			c.onConnectionLost()
			return
		}
		for _, frame := range decoder.Feed(buf[:n]) {
			c.dispatch(frame)
		}
	}
}

func (c *Channel) onConnectionLost() {
	if c.isShuttingDown() {
		c.logger.Debug("mgmt socket connection lost during shutdown")
		return
	}
	c.logger.Debug("mgmt socket connection lost, reconnecting")
	select {
	case c.connLost <- struct{}{}:
	default:
	}
}

func (c *Channel) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.connLost:
		}
		if c.isShuttingDown() {
			return
		}

		for {
			if err := c.establishConnection(ctx); err != nil {
				c.logger.Debug("mgmt reconnect attempt failed", slog.Any("error", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectBackoff):
					continue
				}
			}
			break
		}
	}
}

func (c *Channel) dispatch(frame Frame) {
	switch frame.EventCode {
	case EventDeviceFound:
		c.dispatchDeviceFound(frame, 0)
	case EventAdvMonitorDeviceFound:
		c.dispatchDeviceFound(frame, 2)
	case EventCommandComplete, EventCommandStatus:
		c.dispatchCommandResult(frame)
	default:
		// unknown event: dropped silently, buffer already advanced by the
		// decoder past this frame's declared length.
	}
}

func (c *Channel) dispatchDeviceFound(frame Frame, offset int) {
	p, ok := decodeDeviceFound(frame.Payload, offset)
	if !ok {
		return
	}

	c.mu.Lock()
	ingester, ok := c.scanners[frame.ControllerIdx]
	c.mu.Unlock()
	if !ok {
		return
	}

	ingester.IngestRaw(addrString(p.Addr), p.AddrType, p.RSSI, p.Flags, p.AdData)
}

func (c *Channel) dispatchCommandResult(frame Frame) {
	if len(frame.Payload) < 3 {
		return
	}
	opcode := binary.LittleEndian.Uint16(frame.Payload[0:2])
	status := frame.Payload[2]
	remaining := frame.Payload[3:]

	c.mu.Lock()
	ch, ok := c.pending[opcode]
	if ok {
		delete(c.pending, opcode)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- commandResponse{status: status, payload: remaining}:
	default:
	}
}

// setupCommandResponse registers a pending future for opcode. Only one
// in-flight request per opcode is supported; a caller that needs higher
// concurrency must queue its own requests.
func (c *Channel) setupCommandResponse(opcode uint16) chan commandResponse {
	ch := make(chan commandResponse, 1)
	c.mu.Lock()
	c.pending[opcode] = ch
	c.mu.Unlock()
	return ch
}

func (c *Channel) cleanupCommandResponse(opcode uint16) {
	c.mu.Lock()
	delete(c.pending, opcode)
	c.mu.Unlock()
}

// sendCommand writes header||body as a single atomic socket send. A 0-byte,
// nil-error Write is a documented kernel quirk for this socket family and
// is treated as success.
func (c *Channel) sendCommand(opcode, controllerIdx uint16, body []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("mgmt send opcode %#x: %w", opcode, ErrShutdown)
	}

	frame := append(encodeCommandHeader(opcode, controllerIdx, uint16(len(body))), body...)
	n, err := sock.Write(frame)
	if err != nil {
		return fmt.Errorf("mgmt send opcode %#x: %w", opcode, err)
	}
	if n == 0 {
		c.logger.Debug("mgmt send returned 0, treating as success", slog.Int("opcode", int(opcode)))
	}
	return nil
}

func (c *Channel) checkCapabilities(ctx context.Context) (bool, error) {
	ch := c.setupCommandResponse(OpGetConnections)
	defer c.cleanupCommandResponse(OpGetConnections)

	if err := c.sendCommand(OpGetConnections, 0, nil); err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, capabilityProbeTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return hasCapabilitiesFromStatus(resp.status), nil
	case <-probeCtx.Done():
		return false, probeCtx.Err()
	}
}

// hasCapabilitiesFromStatus interprets a MGMT command status code as a
// capability verdict. 0x00 (success) and 0x11 (invalid index — the adapter
// doesn't exist, but we evidently have permission to ask) both mean we have
// capabilities; 0x14 (permission denied) and anything else unrecognized are
// treated conservatively as "no capabilities".
func hasCapabilitiesFromStatus(status uint8) bool {
	const (
		statusSuccess      = 0x00
		statusInvalidIndex = 0x11
		statusPermDenied   = 0x14
	)
	switch status {
	case statusSuccess, statusInvalidIndex:
		return true
	case statusPermDenied:
		return false
	default:
		return false
	}
}

// LoadConnParam sends the egress LoadConnParam command for address on
// adapterIdx, issuing the given FAST/MEDIUM preset.
func (c *Channel) LoadConnParam(adapterIdx int, address string, addrType uint8, params ble.ConnParams) error {
	wire, ok := addrBytes(address)
	if !ok {
		return fmt.Errorf("mgmt load conn param: invalid address %q", address)
	}

	body := make([]byte, 2+6+1+2+2+2+2)
	binary.LittleEndian.PutUint16(body[0:2], 1) // param_count
	copy(body[2:8], wire[:])
	body[8] = addrType
	binary.LittleEndian.PutUint16(body[9:11], params.MinInterval)
	binary.LittleEndian.PutUint16(body[11:13], params.MaxInterval)
	binary.LittleEndian.PutUint16(body[13:15], params.Latency)
	binary.LittleEndian.PutUint16(body[15:17], params.Timeout)

	return c.sendCommand(OpLoadConnParam, uint16(adapterIdx), body)
}

// Package device owns the single connection to the sensor/actuator board.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"homeautomation-gateway/internal/config"
	"homeautomation-gateway/internal/logger"
)

var (
	ErrNotAttached = errors.New("board not attached")
	ErrTimeout     = errors.New("board command timed out")
	ErrClosed      = errors.New("board link closed")
)

type result struct {
	reply reply
	err   error
}

type command struct {
	req      request
	deadline time.Time
	result   chan result
}

// Board serialises all traffic to the board through one command processor.
// Writes are queued ahead of reads. All methods are safe for concurrent use.
type Board struct {
	cfg               config.DeviceConfig
	dial              Dialer
	drain             bool
	timeout           time.Duration
	reconnectInterval time.Duration

	high chan command
	low  chan command

	mu       sync.Mutex // guards port and serial
	port     Port
	serial   int
	attached atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBoard builds a Board for the configured transport. Nothing is opened until Start.
func NewBoard(cfg config.DeviceConfig) (*Board, error) {
	switch cfg.Transport {
	case config.TransportRemote:
		return newBoard(cfg, remoteDialer(cfg), false), nil
	case config.TransportSerial:
		return newBoard(cfg, serialDialer(cfg), true), nil
	}
	return nil, fmt.Errorf("unknown device transport %q", cfg.Transport)
}

func newBoard(cfg config.DeviceConfig, dial Dialer, drain bool) *Board {
	timeout := cfg.CommandTimeout()
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	interval := cfg.ReconnectInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Board{
		cfg:               cfg,
		dial:              dial,
		drain:             drain,
		timeout:           timeout,
		reconnectInterval: interval,
		high:              make(chan command),
		low:               make(chan command),
		stop:              make(chan struct{}),
	}
}

// Start attaches to the board and launches the background tasks. A failed
// first attach is returned but the connection manager keeps retrying.
func (b *Board) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.processCommands()

	logger.Info("Performing initial board connection attempt...")
	b.mu.Lock()
	err := b.connect()
	b.mu.Unlock()
	if err != nil {
		logger.Warn("Initial connection attempt failed: %v. Retrying in the background.", err)
	}

	b.wg.Add(1)
	go b.manageConnection(ctx)
	return err
}

// Close stops the background tasks and closes the port.
func (b *Board) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.mu.Lock()
	b.disconnect()
	b.mu.Unlock()
	return nil
}

// Attached reports whether the board is connected and attached right now.
func (b *Board) Attached(ctx context.Context) (bool, error) {
	select {
	case <-b.stop:
		return false, ErrClosed
	default:
	}
	return b.attached.Load(), nil
}

// Serial returns the serial number reported at attach, or 0.
func (b *Board) Serial() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serial
}

func (b *Board) SensorValue(ctx context.Context, index int) (int, error) {
	return b.value(ctx, request{Get: "sensor", Index: intp(index)})
}

func (b *Board) SensorRawValue(ctx context.Context, index int) (int, error) {
	return b.value(ctx, request{Get: "raw", Index: intp(index)})
}

func (b *Board) OutputState(ctx context.Context, index int) (bool, error) {
	v, err := b.value(ctx, request{Get: "output", Index: intp(index)})
	return v != 0, err
}

func (b *Board) SetOutputState(ctx context.Context, index int, state bool) error {
	req := request{Set: "output", Index: intp(index), Value: intp(boolInt(state))}
	rep, err := b.send(ctx, req, true)
	if err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("%s: not acknowledged", req)
	}
	return nil
}

func (b *Board) value(ctx context.Context, req request) (int, error) {
	rep, err := b.send(ctx, req, false)
	if err != nil {
		return 0, err
	}
	if rep.Value == nil {
		return 0, fmt.Errorf("%s: reply carried no value", req)
	}
	return *rep.Value, nil
}

// send queues req and waits for its reply. The whole call is bounded by
// twice the command timeout: once for queueing, once for the exchange.
func (b *Board) send(ctx context.Context, req request, highPriority bool) (reply, error) {
	if !b.attached.Load() {
		return reply{}, ErrNotAttached
	}

	budget := 2 * b.timeout
	cmd := command{req: req, deadline: time.Now().Add(b.timeout), result: make(chan result, 1)}
	queue := b.low
	if highPriority {
		queue = b.high
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	logger.Debug("Queueing %s", req)
	select {
	case queue <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-b.stop:
		return reply{}, ErrClosed
	case <-timer.C:
		return reply{}, ErrTimeout
	}

	select {
	case res := <-cmd.result:
		return res.reply, res.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-timer.C:
		return reply{}, ErrTimeout
	}
}

func (b *Board) processCommands() {
	defer b.wg.Done()
	logger.Debug("Board command processor started.")
	for {
		var cmd command
		select {
		case cmd = <-b.high:
		default:
			select {
			case cmd = <-b.high:
			case cmd = <-b.low:
			case <-b.stop:
				return
			}
		}

		if time.Now().After(cmd.deadline) {
			cmd.result <- result{err: ErrTimeout}
			continue
		}
		cmd.result <- b.execute(cmd.req)
	}
}

func (b *Board) execute(req request) result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return result{err: ErrNotAttached}
	}
	if b.drain {
		drainInput(b.port)
	}

	rep, err := exchange(b.port, req, b.timeout)
	if err != nil {
		if isLinkError(err) {
			logger.Error("Board %s failed: %v. Marking link as detached.", req, err)
			b.disconnect()
		}
		return result{err: err}
	}
	logger.Debug("Board replied to %s", req)
	return result{reply: rep}
}

// manageConnection re-attaches while the link is down.
func (b *Board) manageConnection(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
		}
		if b.attached.Load() {
			continue
		}

		logger.Info("Connection manager: board is detached. Attempting to connect...")
		b.mu.Lock()
		err := b.connect()
		b.mu.Unlock()
		if err != nil {
			logger.Warn("Connection manager: %v", err)
		}
	}
}

// connect replaces any open port with a freshly attached one. Call with mu held.
func (b *Board) connect() error {
	b.disconnect()

	p, err := b.dial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	serial, err := b.attach(p)
	if err != nil {
		p.Close()
		return err
	}

	b.port = p
	b.serial = serial
	b.attached.Store(true)
	logger.Info("Board %d attached.", serial)
	return nil
}

// attach authenticates, checks the board status and applies the input settings.
func (b *Board) attach(p Port) (int, error) {
	if b.cfg.Transport == config.TransportRemote && b.cfg.Password != "" {
		rep, err := exchange(p, request{Auth: &credentials{Serial: b.cfg.Serial, Password: b.cfg.Password}}, b.timeout)
		if err != nil {
			return 0, fmt.Errorf("authenticate: %w", err)
		}
		if !rep.OK {
			return 0, errors.New("authenticate: not acknowledged")
		}
	}

	rep, err := exchange(p, request{Get: "status"}, b.timeout)
	if err != nil {
		return 0, fmt.Errorf("status: %w", err)
	}
	if rep.Attached == nil || !*rep.Attached {
		return 0, ErrNotAttached
	}
	if b.cfg.Serial != 0 && rep.Serial != b.cfg.Serial {
		return 0, fmt.Errorf("board serial %d does not match configured %d", rep.Serial, b.cfg.Serial)
	}

	for _, req := range setupRequests(b.cfg) {
		if _, err := exchange(p, req, b.timeout); err != nil {
			if isLinkError(err) {
				return 0, fmt.Errorf("apply %s: %w", req, err)
			}
			logger.Warn("Board ignored %s: %v", req, err)
		}
	}
	return rep.Serial, nil
}

// disconnect closes the port. Call with mu held.
func (b *Board) disconnect() {
	if b.port != nil {
		b.port.Close()
		b.port = nil
		logger.Warn("Board link closed.")
	}
	b.attached.Store(false)
}

// Package reader implements the Module Reader (spec.md §4.2): one
// goroutine owning one Modbus I/O module's connection, polling it on a
// fixed interval and emitting decoded samples onto a caller-supplied
// channel. It never shares its socket and never blocks callers past
// their own context's cancellation.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sensorhub/internal/decoder"
	"sensorhub/internal/framer"
	"sensorhub/internal/model"
)

// State is one node of the Created -> Connecting -> Connected -> Polling
// <-> Reconnecting -> Stopped state machine.
type State int

const (
	Created State = iota
	Connecting
	Connected
	Polling
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LastReading carries a channel's most recent decoded value plus whether
// it moved by more than a small deadband since the previous poll — a
// purely informational field (SPEC_FULL §6.3 change-gated emission); it
// never suppresses emission.
type LastReading struct {
	Value     float64
	Timestamp time.Time
	Changed   bool
}

// Status is a point-in-time snapshot safe to read concurrently with the
// reader's poll loop.
type Status struct {
	ModuleID            string
	State               State
	LastSuccess         time.Time
	ConsecutiveFailures int
	TotalReads          uint64
	TotalErrors         uint64
	TotalDecodeErrors   uint64
	LastReadings        map[int]LastReading
}

// Dialer opens the transport for a module. DialTCP and DialSerial are
// the two built-in implementations; tests supply a fake.
type Dialer func(ctx context.Context, cfg model.ModuleConfig) (io.ReadWriteCloser, error)

// DialTCP opens a plain TCP connection, the spec's primary transport.
func DialTCP(ctx context.Context, cfg model.ModuleConfig) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Reader owns a single Modbus I/O module's connection and poll loop.
type Reader struct {
	cfg    model.ModuleConfig
	dialer Dialer

	mu      sync.Mutex
	state   State
	conn    io.ReadWriteCloser
	lastVal map[int]LastReading

	consecutiveFailures int32
	totalReads          uint64
	totalErrors         uint64
	totalDecodeErrors   uint64
	lastSuccess         atomic.Value // time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Reader in the Created state. cfg must already be
// Validate()d.
func New(cfg model.ModuleConfig, dialer Dialer) *Reader {
	if dialer == nil {
		dialer = DialTCP
	}
	return &Reader{
		cfg:     cfg,
		dialer:  dialer,
		state:   Created,
		lastVal: make(map[int]LastReading, cfg.ChannelCount),
		done:    make(chan struct{}),
	}
}

// Start spawns the poll loop and returns immediately; samples are
// delivered on out until ctx is canceled or Stop is called.
func (r *Reader) Start(ctx context.Context, out chan<- model.SensorReading) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.run(loopCtx, out)
}

// Stop requests the poll loop to exit and blocks until it has, closing
// the underlying connection if one is open.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-r.done
}

// ForceClose closes the underlying connection immediately, unblocking
// any in-flight read. Used by the acquisition manager to bound shutdown
// latency when a reader's poll loop does not exit promptly on its own.
func (r *Reader) ForceClose() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Status returns a snapshot of the reader's current state and counters.
func (r *Reader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[int]LastReading, len(r.lastVal))
	for k, v := range r.lastVal {
		snap[k] = v
	}
	var lastSuccess time.Time
	if t, ok := r.lastSuccess.Load().(time.Time); ok {
		lastSuccess = t
	}
	return Status{
		ModuleID:            r.cfg.ModuleID,
		State:               r.state,
		LastSuccess:         lastSuccess,
		ConsecutiveFailures: int(atomic.LoadInt32(&r.consecutiveFailures)),
		TotalReads:          atomic.LoadUint64(&r.totalReads),
		TotalErrors:         atomic.LoadUint64(&r.totalErrors),
		TotalDecodeErrors:   atomic.LoadUint64(&r.totalDecodeErrors),
		LastReadings:        snap,
	}
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reader) run(ctx context.Context, out chan<- model.SensorReading) {
	defer close(r.done)
	defer r.setState(Stopped)

	backoff := r.cfg.Backoff.Initial

	for {
		if ctx.Err() != nil {
			return
		}

		r.setState(Connecting)
		conn, err := r.connectWithTimeout(ctx)
		if err != nil {
			log.Printf("reader %s: connect failed: %v", r.cfg.ModuleID, err)
			if !r.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, r.cfg.Backoff)
			continue
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.setState(Connected)
		backoff = r.cfg.Backoff.Initial
		atomic.StoreInt32(&r.consecutiveFailures, 0)

		r.pollUntilFailureThreshold(ctx, out)

		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
			r.conn = nil
		}
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		r.setState(Reconnecting)
		if !r.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, r.cfg.Backoff)
	}
}

func (r *Reader) connectWithTimeout(ctx context.Context) (io.ReadWriteCloser, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	return r.dialer(dialCtx, r.cfg)
}

// pollUntilFailureThreshold polls at cfg.PollInterval until the
// connection accumulates cfg.FailureThreshold consecutive failures or
// the context is canceled; every framing/IO error counts as one failure.
func (r *Reader) pollUntilFailureThreshold(ctx context.Context, out chan<- model.SensorReading) {
	r.setState(Polling)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx, out)
	if atomic.LoadInt32(&r.consecutiveFailures) >= int32(r.cfg.FailureThreshold) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, out)
			if atomic.LoadInt32(&r.consecutiveFailures) >= int32(r.cfg.FailureThreshold) {
				return
			}
		}
	}
}

func (r *Reader) pollOnce(ctx context.Context, out chan<- model.SensorReading) {
	cycleID := uuid.NewString()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	if dc, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		dc.SetDeadline(time.Now().Add(r.cfg.ReadTimeout))
	}

	req := framer.EncodeRequest(r.cfg.SlaveAddr, r.cfg.FunctionCode, r.cfg.StartRegister, r.cfg.RegisterCount)
	if _, err := conn.Write(req); err != nil {
		r.recordFailure(cycleID, fmt.Errorf("write: %w", err))
		return
	}

	resp, err := r.readResponse(conn)
	if err != nil {
		r.recordFailure(cycleID, err)
		return
	}

	decoded, err := framer.DecodeResponse(resp, r.cfg.SlaveAddr, r.cfg.RegisterCount)
	if err != nil {
		r.recordFailure(cycleID, err)
		return
	}

	atomic.StoreInt32(&r.consecutiveFailures, 0)
	atomic.AddUint64(&r.totalReads, 1)
	r.lastSuccess.Store(time.Now())

	now := time.Now()
	paired := decoder.PairedTemperatureType(r.cfg.SensorType)
	for ch := 0; ch < r.cfg.ChannelCount && ch < len(decoded.Registers); ch++ {
		sensorType := r.cfg.SensorType
		isRTC := r.cfg.IsRTC
		if paired && ch == r.cfg.ChannelCount-1 {
			sensorType = model.Temperature
			isRTC = true
		}

		raw := decoded.Registers[ch]
		value, decErr := decoder.Convert(sensorType, raw, isRTC, r.cfg.Conversion)
		if decErr != nil {
			// spec.md §7 (DecodeError): the sample is dropped, never
			// emitted with a clamped value, and a separate counter tracks
			// it apart from I/O-class failures.
			if errors.Is(decErr, decoder.ErrDecodeOutOfRange) {
				atomic.AddUint64(&r.totalDecodeErrors, 1)
			} else {
				log.Printf("reader %s: decode channel %d: %v", r.cfg.ModuleID, ch, decErr)
			}
			continue
		}

		reading := model.SensorReading{
			ModuleID:      r.cfg.ModuleID,
			SensorType:    sensorType,
			SensorID:      model.SensorID(sensorType, r.cfg.ModuleID, ch),
			Channel:       ch,
			Timestamp:     now,
			Raw:           raw,
			Value:         value,
			Unit:          sensorType.Unit(),
			SessionPrefix: r.cfg.SessionPrefix,
		}

		r.recordLastReading(ch, value, now)

		select {
		case out <- reading:
		case <-ctx.Done():
			return
		}
	}
}

// readResponse reads a complete Modbus frame off conn: the 3-byte header
// first (enough to know the frame's total length), then the remainder.
func (r *Reader) readResponse(conn io.ReadWriteCloser) ([]byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if header[1]&0x80 != 0 {
		rest := make([]byte, 2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return nil, fmt.Errorf("read exception tail: %w", err)
		}
		return append(header, rest...), nil
	}

	total := framer.FrameLength(header[2])
	rest := make([]byte, total-3)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return append(header, rest...), nil
}

func (r *Reader) recordFailure(cycleID string, err error) {
	atomic.AddInt32(&r.consecutiveFailures, 1)
	atomic.AddUint64(&r.totalErrors, 1)
	log.Printf("reader %s: poll %s failed: %v", r.cfg.ModuleID, cycleID, err)
}

func (r *Reader) recordLastReading(channel int, value float64, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.lastVal[channel]
	changed := !had || absFloat(value-prev.Value) > 0.1
	r.lastVal[channel] = LastReading{Value: value, Timestamp: ts, Changed: changed}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// nextBackoff applies the configured multiplier, caps the result at Max,
// then applies ±JitterPct jitter (so the delay stays within
// Max × (1 + JitterPct)), never returning less than Initial.
func nextBackoff(cur time.Duration, cfg model.BackoffConfig) time.Duration {
	next := time.Duration(float64(cur) * cfg.Multiplier)
	if next > cfg.Max {
		next = cfg.Max
	}
	jitter := (rand.Float64()*2 - 1) * cfg.JitterPct
	jittered := time.Duration(float64(next) * (1 + jitter))
	if jittered < cfg.Initial {
		jittered = cfg.Initial
	}
	return jittered
}

func (r *Reader) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package acquisition implements the Module Manager (spec.md §4.4): it
// owns the set of configured Module Readers, fans their samples into two
// bounded streams (one for the cache writer, one for the document
// writer), each with a drop-oldest overflow policy, and reports
// aggregate statistics. Grounded on the teacher's internal/collector/
// manager.go (Manager.Run: worker fan-out, per-device goroutines,
// bounded graceful shutdown).
package acquisition

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/model"
	"sensorhub/internal/reader"
)

// DefaultBufferCapacity is the bounded reading-stream size from spec.md §5.
const DefaultBufferCapacity = 4096

// DefaultShutdownGrace is how long stop_all waits for readers to exit
// cleanly before force-closing their connections.
const DefaultShutdownGrace = 5 * time.Second

// ModuleStats is one module's statistics, as reported by its Reader.
type ModuleStats struct {
	ModuleID            string
	State               string
	ConsecutiveFailures int
	TotalReads          uint64
	TotalErrors         uint64
	TotalDecodeErrors   uint64
	LastSuccess         time.Time
}

// Stats is the manager-wide statistics snapshot.
type Stats struct {
	Modules          []ModuleStats
	DroppedOldest    uint64
	BufferLen        int
	BufferCap        int
	DocDroppedOldest uint64
	DocBufferLen     int
}

// Manager owns every configured module's Reader and fans their output
// into two independent bounded channels: one for the Cache Writer (C5)
// and one for the Document Writer (C6), per spec.md §2's data flow
// "C4 -> {C5 cache, C6 document store}". Each subscriber gets its own
// drop-oldest overflow policy, so a slow consumer on one side never
// starves the other.
type Manager struct {
	mu      sync.Mutex
	readers map[string]*reader.Reader
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	intake chan model.SensorReading
	sub    chan model.SensorReading
	docSub chan model.SensorReading
	subCap int

	droppedOldest    uint64
	docDroppedOldest uint64
	pumpDone         chan struct{}
}

// New builds a Manager with the given subscriber buffer capacity
// (DefaultBufferCapacity if zero), applied identically to both the cache
// and document subscriber streams.
func New(bufferCapacity int) *Manager {
	if bufferCapacity <= 0 {
		bufferCapacity = DefaultBufferCapacity
	}
	return &Manager{
		readers: make(map[string]*reader.Reader),
		intake:  make(chan model.SensorReading),
		sub:     make(chan model.SensorReading, bufferCapacity),
		docSub:  make(chan model.SensorReading, bufferCapacity),
		subCap:  bufferCapacity,
	}
}

// Add registers a new module. If the manager is already running, the
// module's reader is started immediately; otherwise it starts with the
// rest on StartAll.
func (m *Manager) Add(cfg model.ModuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.readers[cfg.ModuleID]; exists {
		return fmt.Errorf("acquisition: module %s already registered", cfg.ModuleID)
	}

	dialer := reader.DialTCP
	if cfg.Transport == model.TransportSerial {
		dialer = reader.DialSerial
	}
	r := reader.New(cfg, dialer)
	m.readers[cfg.ModuleID] = r

	if m.started {
		r.Start(m.ctx, m.intake)
	}
	return nil
}

// Remove stops and deregisters a module. Idempotent: removing an unknown
// module id is a no-op.
func (m *Manager) Remove(moduleID string) {
	m.mu.Lock()
	r, ok := m.readers[moduleID]
	if ok {
		delete(m.readers, moduleID)
	}
	m.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// StartAll starts every registered module's reader and the internal
// fan-in pump. Calling StartAll twice is a no-op.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.pumpDone = make(chan struct{})
	readers := make([]*reader.Reader, 0, len(m.readers))
	for _, r := range m.readers {
		readers = append(readers, r)
	}
	runCtx := m.ctx
	m.mu.Unlock()

	go m.pump(runCtx)

	for _, r := range readers {
		r.Start(runCtx, m.intake)
	}
}

// pump drains the intake channel every reader writes to and applies the
// drop-oldest overflow policy onto both bounded subscriber channels.
func (m *Manager) pump(ctx context.Context) {
	defer close(m.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-m.intake:
			m.enqueue(reading)
		}
	}
}

func (m *Manager) enqueue(reading model.SensorReading) {
	fanout(m.sub, reading, &m.droppedOldest)
	fanout(m.docSub, reading, &m.docDroppedOldest)
}

// fanout delivers reading to ch, applying the drop-oldest overflow
// policy: if ch is full, evict the oldest buffered sample and push.
// A concurrent receiver could drain the slot we just freed before we
// claim it; in that case the second send below still succeeds without
// a second drop.
func fanout(ch chan model.SensorReading, reading model.SensorReading, dropped *uint64) {
	select {
	case ch <- reading:
		return
	default:
	}
	select {
	case <-ch:
		atomic.AddUint64(dropped, 1)
	default:
	}
	select {
	case ch <- reading:
	default:
		// Another producer raced us and refilled the buffer; count this
		// sample as dropped too rather than spin.
		atomic.AddUint64(dropped, 1)
	}
}

// Subscribe returns the manager's bounded reading stream for the Cache
// Writer (C5). There is a single C5 stream per manager; subsequent
// calls return the same channel.
func (m *Manager) Subscribe() <-chan model.SensorReading {
	return m.sub
}

// SubscribeDocuments returns a second, independent bounded reading
// stream for the Document Writer (C6) — spec.md §4.9 wires C6 directly
// off C4, not only through C8, so it needs its own stream rather than
// competing with C5 for items off Subscribe's channel.
func (m *Manager) SubscribeDocuments() <-chan model.SensorReading {
	return m.docSub
}

// StopAll stops every reader, waiting up to DefaultShutdownGrace before
// force-closing any reader that has not exited on its own. Idempotent.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	readers := make([]*reader.Reader, 0, len(m.readers))
	for _, r := range m.readers {
		readers = append(readers, r)
	}
	m.started = false
	m.mu.Unlock()

	cancel()

	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(r *reader.Reader) {
			defer wg.Done()
			r.Stop()
		}(r)
	}

	allStopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(allStopped)
	}()

	select {
	case <-allStopped:
	case <-time.After(DefaultShutdownGrace):
		log.Printf("acquisition: shutdown grace period elapsed, forcing connections closed")
		for _, r := range readers {
			r.ForceClose()
		}
		<-allStopped
	}
}

// Statistics reports per-module and aggregate counters, for the status
// log described in spec.md §7.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	readers := make([]*reader.Reader, 0, len(m.readers))
	for _, r := range m.readers {
		readers = append(readers, r)
	}
	m.mu.Unlock()

	stats := Stats{
		DroppedOldest:    atomic.LoadUint64(&m.droppedOldest),
		BufferLen:        len(m.sub),
		BufferCap:        m.subCap,
		DocDroppedOldest: atomic.LoadUint64(&m.docDroppedOldest),
		DocBufferLen:     len(m.docSub),
	}
	for _, r := range readers {
		st := r.Status()
		stats.Modules = append(stats.Modules, ModuleStats{
			ModuleID:            st.ModuleID,
			State:               st.State.String(),
			ConsecutiveFailures: st.ConsecutiveFailures,
			TotalReads:          st.TotalReads,
			TotalErrors:         st.TotalErrors,
			TotalDecodeErrors:   st.TotalDecodeErrors,
			LastSuccess:         st.LastSuccess,
		})
	}
	return stats
}

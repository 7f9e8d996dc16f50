package reader

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"sensorhub/internal/framer"
	"sensorhub/internal/model"
)

// newFakeDialer returns a Dialer backed by an in-memory net.Pipe; each
// call spawns a fresh server goroutine running serverFn against its end,
// and counts how many times it was invoked (so tests can observe
// reconnects without a real socket).
func newFakeDialer(serverFn func(conn net.Conn)) (Dialer, *int32) {
	var calls int32
	return func(ctx context.Context, cfg model.ModuleConfig) (io.ReadWriteCloser, error) {
		atomic.AddInt32(&calls, 1)
		client, server := net.Pipe()
		go serverFn(server)
		return client, nil
	}, &calls
}

func baseConfig() model.ModuleConfig {
	return model.ModuleConfig{
		ModuleID:         "m1",
		Host:             "fake",
		Port:             1,
		SlaveAddr:        1,
		FunctionCode:     4,
		StartRegister:    0,
		RegisterCount:    2,
		ChannelCount:     2,
		SensorType:       model.Temperature,
		IsRTC:            true,
		PollInterval:     10 * time.Millisecond,
		ConnectTimeout:   time.Second,
		ReadTimeout:      time.Second,
		FailureThreshold: 3,
		Backoff:          model.DefaultBackoff(),
	}
}

func buildGoodResponse() []byte {
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	crc := framer.CRC16(body)
	return append(body, byte(crc), byte(crc>>8))
}

func buildBadCRCResponse() []byte {
	return []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC, 0x00, 0x00}
}

func TestReaderHappyPath(t *testing.T) {
	dialer, calls := newFakeDialer(func(conn net.Conn) {
		defer conn.Close()
		for {
			buf := make([]byte, 8)
			if _, err := readFull(conn, buf); err != nil {
				return
			}
			if _, err := conn.Write(buildGoodResponse()); err != nil {
				return
			}
		}
	})

	r := New(baseConfig(), dialer)
	out := make(chan model.SensorReading, 16)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, out)

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 4 {
		select {
		case reading := <-out:
			if reading.ModuleID != "m1" {
				t.Fatalf("unexpected module id: %s", reading.ModuleID)
			}
			received++
		case <-timeout:
			t.Fatalf("timed out waiting for readings, got %d", received)
		}
	}

	cancel()
	r.Stop()

	st := r.Status()
	if st.TotalReads == 0 {
		t.Fatalf("expected at least one successful read")
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("expected zero consecutive failures, got %d", st.ConsecutiveFailures)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected exactly one connect on the happy path, got %d", atomic.LoadInt32(calls))
	}
}

func TestReaderReconnectsAfterFailureThreshold(t *testing.T) {
	dialer, calls := newFakeDialer(func(conn net.Conn) {
		defer conn.Close()
		for {
			buf := make([]byte, 8)
			if _, err := readFull(conn, buf); err != nil {
				return
			}
			if _, err := conn.Write(buildBadCRCResponse()); err != nil {
				return
			}
		}
	})

	cfg := baseConfig()
	cfg.FailureThreshold = 2
	cfg.Backoff.Initial = 5 * time.Millisecond
	cfg.Backoff.Max = 20 * time.Millisecond

	r := New(cfg, dialer)
	out := make(chan model.SensorReading, 16)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, out)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	r.Stop()

	if atomic.LoadInt32(calls) < 2 {
		t.Fatalf("expected a reconnect after the failure threshold, got %d connects", atomic.LoadInt32(calls))
	}
	st := r.Status()
	if st.TotalErrors == 0 {
		t.Fatalf("expected recorded errors")
	}
}

func buildOutOfRangeResponse() []byte {
	body := []byte{0x01, 0x04, 0x02, 0xFF, 0xFF}
	crc := framer.CRC16(body)
	return append(body, byte(crc), byte(crc>>8))
}

// TestReaderDropsOutOfRangeDecodeSample covers spec.md §7: a decoder
// clamp violation drops the sample (never emits the clamped value) and
// increments a decode-error counter distinct from I/O failures.
func TestReaderDropsOutOfRangeDecodeSample(t *testing.T) {
	dialer, _ := newFakeDialer(func(conn net.Conn) {
		defer conn.Close()
		for {
			buf := make([]byte, 8)
			if _, err := readFull(conn, buf); err != nil {
				return
			}
			if _, err := conn.Write(buildOutOfRangeResponse()); err != nil {
				return
			}
		}
	})

	cfg := baseConfig()
	cfg.ChannelCount = 1
	cfg.RegisterCount = 1
	cfg.IsRTC = false // plain temperature conversion clamps to [-50, 200]

	r := New(cfg, dialer)
	out := make(chan model.SensorReading, 16)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, out)

	select {
	case reading := <-out:
		cancel()
		r.Stop()
		t.Fatalf("expected the out-of-range sample to be dropped, got %+v", reading)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	r.Stop()

	st := r.Status()
	if st.TotalDecodeErrors == 0 {
		t.Fatalf("expected a recorded decode error")
	}
	if st.TotalErrors != 0 {
		t.Fatalf("decode errors must not count as I/O failures, got %d", st.TotalErrors)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

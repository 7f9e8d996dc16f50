package acquisition

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"sensorhub/internal/framer"
	"sensorhub/internal/model"
	"sensorhub/internal/reader"
)

// TestEnqueueDropsOldestOnOverflow covers spec.md §8 scenario 6: pushing
// more samples than the bounded buffer holds retains only the most
// recent ones and counts the rest as dropped.
func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	m := New(4)

	for i := 0; i < 8; i++ {
		m.enqueue(model.SensorReading{Channel: i})
	}

	if got := len(m.sub); got != 4 {
		t.Fatalf("expected buffer to hold exactly 4 readings, got %d", got)
	}
	if m.droppedOldest != 4 {
		t.Fatalf("expected 4 dropped, got %d", m.droppedOldest)
	}

	var seen []int
	for len(m.sub) > 0 {
		r := <-m.sub
		seen = append(seen, r.Channel)
	}
	if len(seen) != 4 || seen[0] != 4 || seen[3] != 7 {
		t.Fatalf("expected the 4 most recent readings [4..7], got %v", seen)
	}
}

func newFakeDialer(serverFn func(conn net.Conn)) reader.Dialer {
	return func(ctx context.Context, cfg model.ModuleConfig) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go serverFn(server)
		return client, nil
	}
}

func goodResponse() []byte {
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	crc := framer.CRC16(body)
	return append(body, byte(crc), byte(crc>>8))
}

func baseConfigFor(id string) model.ModuleConfig {
	cfg := model.ModuleConfig{
		ModuleID:         id,
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
		FailureThreshold: 2,
	}
	cfg.Validate()
	cfg.Backoff.Initial = 5 * time.Millisecond
	cfg.Backoff.Max = 10 * time.Millisecond
	return cfg
}

// TestModuleIsolation covers spec.md §8 scenario 5: one module stuck
// reconnecting must not prevent another's readings from reaching the
// subscriber stream.
func TestModuleIsolation(t *testing.T) {
	goodDialer := newFakeDialer(func(conn net.Conn) {
		defer conn.Close()
		for {
			buf := make([]byte, 8)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			if _, err := conn.Write(goodResponse()); err != nil {
				return
			}
		}
	})
	badDialer := newFakeDialer(func(conn net.Conn) {
		conn.Close() // immediately drop every connection attempt
	})

	m := New(16)
	m.readers["good"] = reader.New(baseConfigFor("good"), goodDialer)
	m.readers["bad"] = reader.New(baseConfigFor("bad"), badDialer)

	ctx, cancel := context.WithCancel(context.Background())
	m.StartAll(ctx)

	sub := m.Subscribe()
	goodSeen := 0
	deadline := time.After(2 * time.Second)
	for goodSeen < 3 {
		select {
		case r := <-sub:
			if r.ModuleID == "good" {
				goodSeen++
			}
		case <-deadline:
			t.Fatalf("good module was starved by the bad module; got %d readings", goodSeen)
		}
	}

	cancel()
	m.StopAll()
}

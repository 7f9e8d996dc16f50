package cachestore

import (
	"context"
	"testing"
	"time"

	"sensorhub/internal/model"
)

func sampleReading(channel int, value float64, ts time.Time) model.SensorReading {
	return model.SensorReading{
		ModuleID:   "m1",
		SensorType: model.Temperature,
		SensorID:   model.SensorID(model.Temperature, "m1", channel),
		Channel:    channel,
		Timestamp:  ts,
		Raw:        uint16(value * 10),
		Value:      value,
		Unit:       "°C",
	}
}

func TestWriteRealtimeSetsTTL(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	r := sampleReading(0, 21.5, time.Now())

	if err := w.Write(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, _ := fake.HGetAll(context.Background(), realtimeKey(r))
	if fields["value"] != "21.5" {
		t.Fatalf("expected value 21.5, got %q", fields["value"])
	}
	if _, ok := fake.ExpiryOf(realtimeKey(r)); !ok {
		t.Fatalf("expected realtime key to have an expiry set")
	}
}

func TestHistoryBoundedAt1000(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	r := sampleReading(0, 21.5, time.Now())

	for i := 0; i < 1500; i++ {
		if err := w.Write(context.Background(), r); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}

	if got := fake.HistoryLen(historyKey(r)); got != DefaultHistoryBound {
		t.Fatalf("expected history bounded at %d, got %d", DefaultHistoryBound, got)
	}
}

func TestTimeseriesBoundedAt10000(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	base := time.Now()

	for i := 0; i < 10500; i++ {
		r := sampleReading(0, float64(i), base.Add(time.Duration(i)*time.Millisecond))
		if err := w.Write(context.Background(), r); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}

	r := sampleReading(0, 0, base)
	if got := fake.ZCard(timeseriesKey(r)); got != DefaultSeriesBound {
		t.Fatalf("expected timeseries bounded at %d, got %d", DefaultSeriesBound, got)
	}
}

func TestLegacySchemaWrittenForTemperature(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	r := sampleReading(3, 18.2, time.Now())

	if err := w.Write(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	legacyKey := "20260803_120000:temperature:realtime"
	fields, _ := fake.HGetAll(context.Background(), legacyKey)
	if fields["channel_03"] != "18.2" {
		t.Fatalf("expected legacy channel_03 field, got %v", fields)
	}
}

func TestLegacySchemaSkippedForNonTemperature(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	r := model.SensorReading{
		ModuleID:   "m2",
		SensorType: model.WindSpeed,
		SensorID:   model.SensorID(model.WindSpeed, "m2", 0),
		Channel:    0,
		Timestamp:  time.Now(),
		Raw:        100,
		Value:      1.0,
	}

	if err := w.Write(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	legacyKey := "20260803_120000:temperature:realtime"
	fields, _ := fake.HGetAll(context.Background(), legacyKey)
	if len(fields) != 0 {
		t.Fatalf("did not expect legacy temperature fields for a wind speed reading, got %v", fields)
	}
}

func TestRunBatchesOnIntervalWhenBelowBatchSize(t *testing.T) {
	fake := NewFakeCommands()
	w := NewWriter(fake, "20260803_120000")
	w.batchInterval = 10 * time.Millisecond

	in := make(chan model.SensorReading, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx, in)

	r := sampleReading(0, 10, time.Now())
	in <- r

	deadline := time.After(time.Second)
	for {
		if fields, _ := fake.HGetAll(context.Background(), realtimeKey(r)); len(fields) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for batched write to apply")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	cancel()
}

package telemetry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/model"
	"github.com/carbongrid/agent-engine/internal/store"
)

// Simulator writes synthetic sensor readings for a set of devices at a
// fixed interval. It stands in for live device feeds in development and
// mirrors the value ranges of the reference CO2/humidity monitor hardware.
type Simulator struct {
	devices  []string
	interval time.Duration
	store    store.Store
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSimulator returns a simulator for the given device IDs.
func NewSimulator(devices []string, interval time.Duration, st store.Store) *Simulator {
	return &Simulator{
		devices:  devices,
		interval: interval,
		store:    st,
		done:     make(chan struct{}),
	}
}

// GenerateReading produces one synthetic reading for a device.
func GenerateReading(deviceID string, now time.Time) model.Reading {
	return model.Reading{
		DeviceID:    deviceID,
		CO2Value:    80 + rand.Float64()*80,  // CO2 reduction units per sample
		EnergyValue: 5 + rand.Float64()*10,   // energy saved per sample
		Temperature: 18 + rand.Float64()*10,  // 18–28°C
		Humidity:    30 + rand.Float64()*40,  // 30–70%
		Verified:    rand.Float64() < 0.9,    // most readings pass verification
		Timestamp:   now,
	}
}

// Start begins generating readings until Stop is called.
func (s *Simulator) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				for _, device := range s.devices {
					r := GenerateReading(device, t)
					if err := s.store.InsertReading(ctx, &r); err != nil {
						slog.Error("telemetry: simulated insert failed", "device", device, "err", err)
						continue
					}
					metrics.TelemetryReadings.WithLabelValues("sim").Inc()
				}
			}
		}
	}()
}

// Stop halts the simulator and waits for the loop to exit.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

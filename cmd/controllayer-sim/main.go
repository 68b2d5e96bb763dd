// Package main — cmd/controllayer-sim/main.go
//
// Device fleet simulator. Exercise tooling, not part of the core: it
// connects to the same MQTT broker the Control Layer subscribes to and
// publishes synthetic SensorSample/SafetyStatus payloads for a configurable
// device fleet at a configurable cadence, so the API/fan-out/advisory paths
// can be driven end-to-end without real field hardware.
//
// Grounded on the teacher's cmd/octoreflex-sim: a standalone, flag-driven
// CLI with no dependency on the main binary's config package, run to
// completion or until interrupted.
//
// Usage:
//
//	controllayer-sim --devices 10 --rate 2 --broker-host localhost --broker-port 1883
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/modax/controllayer/internal/bus"
	"github.com/modax/controllayer/internal/observability"
)

func main() {
	brokerHost := flag.String("broker-host", "localhost", "MQTT broker host")
	brokerPort := flag.Int("broker-port", 1883, "MQTT broker port")
	deviceCount := flag.Int("devices", 5, "Number of simulated devices")
	devicePrefix := flag.String("device-prefix", "SIM", "Device ID prefix (devices are <prefix>-1..<prefix>-N)")
	rate := flag.Float64("rate", 1.0, "Sensor samples per second, per device")
	safetyEvery := flag.Int("safety-every", 5, "Emit one safety_status per device every N sensor ticks")
	duration := flag.Duration("duration", 0, "Stop after this long (0 = run until interrupted)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := observability.NewLogger(*logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	rng := rand.New(rand.NewSource(*seed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		var durCancel context.CancelFunc
		ctx, durCancel = context.WithTimeout(ctx, *duration)
		defer durCancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("interrupt received, stopping simulator")
		cancel()
	}()

	transport := bus.NewMQTTTransport(bus.MQTTConfig{
		BrokerHost: *brokerHost,
		BrokerPort: *brokerPort,
		ClientID:   "controllayer-sim",
	}, log, nil)

	if err := transport.Connect(ctx); err != nil {
		log.Error("simulator could not connect to broker", zap.Error(err))
		os.Exit(2)
	}
	defer transport.Disconnect()

	devices := make([]*simDevice, *deviceCount)
	for i := range devices {
		devices[i] = newSimDevice(fmt.Sprintf("%s-%d", *devicePrefix, i+1), rng.Int63())
	}

	log.Info("simulator started",
		zap.Int("device_count", *deviceCount), zap.Float64("rate_hz", *rate))

	tick := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer tick.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("simulator stopped", zap.Int("ticks_published", count))
			return
		case <-tick.C:
			count++
			for _, d := range devices {
				publishTick(ctx, transport, d, count, *safetyEvery, log)
			}
		}
	}
}

// simDevice holds one simulated device's slowly-drifting baseline, so
// successive samples look like one continuous process rather than
// independent noise (spec §4.4's advisory aggregates expect coherent
// per-device trends).
type simDevice struct {
	id      string
	rng     *rand.Rand
	current float64
	temp    float64
	estop   bool
}

func newSimDevice(id string, seed int64) *simDevice {
	rng := rand.New(rand.NewSource(seed))
	return &simDevice{
		id:      id,
		rng:     rng,
		current: 8 + rng.Float64()*4,
		temp:    40 + rng.Float64()*10,
	}
}

func (d *simDevice) step() bus.SensorSample {
	d.current += d.rng.NormFloat64() * 0.3
	d.temp += d.rng.NormFloat64() * 0.2
	d.current = clamp(d.current, 2, 40)
	d.temp = clamp(d.temp, 20, 90)

	vx, vy, vz := d.rng.NormFloat64()*0.1, d.rng.NormFloat64()*0.1, d.rng.NormFloat64()*0.1
	return bus.SensorSample{
		DeviceID:      d.id,
		Timestamp:     nowSeconds(),
		MotorCurrents: []float64{d.current, d.current * 0.95, d.current * 1.05},
		Vibration: bus.Vibration{
			X: vx, Y: vy, Z: vz,
			Magnitude:    math.Sqrt(vx*vx + vy*vy + vz*vz),
			HasMagnitude: true,
		},
		Temperatures: []float64{d.temp},
	}
}

func (d *simDevice) safetyStatus() bus.SafetyStatus {
	return bus.SafetyStatus{
		DeviceID:         d.id,
		Timestamp:        nowSeconds(),
		EmergencyStop:    d.estop,
		DoorClosed:       true,
		OverloadDetected: d.current > 35,
		TemperatureOK:    d.temp < 85,
	}
}

func publishTick(ctx context.Context, transport *bus.MQTTTransport, d *simDevice, tickNum, safetyEvery int, log *zap.Logger) {
	sample := d.step()
	payload, err := bus.Encode(sample)
	if err != nil {
		log.Warn("encode sensor sample failed", zap.Error(err))
		return
	}
	if err := transport.Publish(ctx, bus.TopicSensorData, payload, bus.QoSSensorData); err != nil {
		log.Warn("publish sensor sample failed", zap.Error(err))
	}

	if safetyEvery > 0 && tickNum%safetyEvery == 0 {
		sp, err := bus.Encode(d.safetyStatus())
		if err != nil {
			log.Warn("encode safety status failed", zap.Error(err))
			return
		}
		if err := transport.Publish(ctx, bus.TopicSensorSafety, sp, bus.QoSSensorSafety); err != nil {
			log.Warn("publish safety status failed", zap.Error(err))
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

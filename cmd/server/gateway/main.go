package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smart-guard/pulseone/internal/bacnet"
	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/logging"
	"github.com/smart-guard/pulseone/internal/modbus"
	"github.com/smart-guard/pulseone/internal/mqtt"
	"github.com/smart-guard/pulseone/internal/pulse"
	"github.com/smart-guard/pulseone/internal/worker"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newDriver(p config.Protocol) driver.Driver {
	switch p {
	case config.ProtocolModbusTCP, config.ProtocolModbusRTU:
		return modbus.New()
	case config.ProtocolMQTT:
		return mqtt.New()
	case config.ProtocolBACnetIP:
		return bacnet.New()
	}
	return nil
}

type diagnosable interface {
	Diagnostics() driver.Diagnostics
}

func main() {
	path := getenv("PULSEONE_CONFIG_PATH", "/etc/pulseone/gateway.yaml")

	logging.Init()
	src, err := config.LoadFile(path)
	if err != nil {
		logging.Fatal("gateway config error", "error", err)
	}

	devices, err := src.LoadEnabledDevices()
	if err != nil {
		logging.Fatal("load devices", "error", err)
	}
	logging.Info("loaded config", "devices", len(devices))

	consume := func(tv pulse.TimestampedValue) {
		logging.Debug("value", "point", tv.PointID, "value", tv.Value.Text(),
			"quality", tv.Quality.String(), "source", tv.Source)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*worker.Worker, 0, len(devices))
	for _, dev := range devices {
		d, points, lerr := src.LoadDevice(dev.ID)
		if lerr != nil {
			logging.Fatal("load device", "device", dev.ID, "error", lerr)
		}
		drv := newDriver(d.Protocol)
		if drv == nil {
			logging.Fatal("no driver for protocol", "device", d.ID, "protocol", d.Protocol)
		}
		w, werr := worker.New(worker.Options{
			Device:   d,
			Points:   points,
			Driver:   drv,
			Consumer: consume,
		})
		if werr != nil {
			logging.Fatal("worker init", "device", d.ID, "error", werr)
		}
		workers = append(workers, w)
		go func(w *worker.Worker, id string) {
			if rerr := w.Run(ctx); rerr != nil {
				logging.Error("worker exited", "device", id, "error", rerr)
			}
		}(w, d.ID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for {
		s := <-sigCh
		if s == syscall.SIGUSR1 {
			// dump per-driver diagnostics on demand
			for _, w := range workers {
				if dg, ok := w.Driver().(diagnosable); ok {
					if b, jerr := json.Marshal(dg.Diagnostics()); jerr == nil {
						logging.Info("diagnostics", "snapshot", string(b))
					}
				}
			}
			continue
		}
		logging.Info("shutting down", "signal", s.String())
		break
	}

	cancel()
	// workers honor ctx; give them a moment to exit cleanly
	deadline := time.After(3 * time.Second)
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline:
		}
	}
	logging.Info("bye")
}

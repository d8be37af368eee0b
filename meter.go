package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/petesahatt/gosml"
	"gopkg.in/errgo.v1"
)

func configureSerial(device string) error {
	cmd := exec.Command("stty", "-F", device, "9600", "cs8", "-cstopb", "-parenb", "raw")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}
	return nil
}

type smlValue struct {
	value float64
	time  time.Time
}

// SMLMeter reads a meter that pushes SML frames over an optical
// serial head. Run keeps the latest value of every configured OBIS code;
// Fetch turns the values that are recent enough into a snapshot.
type SMLMeter struct {
	cfg SMLConfig
	now func() time.Time

	mu     sync.Mutex
	values map[Fields]smlValue
}

var _ Source = (*SMLMeter)(nil)

func NewSMLMeter(cfg SMLConfig) *SMLMeter {
	return &SMLMeter{
		cfg:    cfg,
		now:    time.Now,
		values: make(map[Fields]smlValue),
	}
}

// Run reads frames from the serial device until ctx is cancelled,
// reopening the device 5s after any error.
func (m *SMLMeter) Run(ctx context.Context) {
	log.Printf("[sml] Starting meter reader on %s", m.cfg.Device)
	for {
		if ctx.Err() != nil {
			return
		}

		if err := configureSerial(m.cfg.Device); err != nil {
			log.Printf("[sml] Failed to configure serial: %v", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		f, err := os.OpenFile(m.cfg.Device, os.O_RDONLY|syscall.O_NOCTTY, 0666)
		if err != nil {
			log.Printf("[sml] Failed to open device: %v", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Close file on context cancellation to unblock Read
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-done:
			}
			f.Close()
		}()

		log.Printf("[sml] Reading SML data from %s", m.cfg.Device)
		err = m.read(f)
		close(done)

		if ctx.Err() != nil {
			log.Printf("[sml] Shutting down")
			return
		}
		log.Printf("[sml] Read error: %v, restarting in 5s", err)
		if !sleepCtx(ctx, 5*time.Second) {
			return
		}
	}
}

// read decodes SML frames from r until it fails.
func (m *SMLMeter) read(r io.Reader) error {
	readOpts := []gosml.ReadOption{}
	for _, v := range m.cfg.Values {
		obis, err := v.OBISBytes()
		if err != nil {
			log.Printf("[sml] Invalid OBIS code %s: %v", v.OBIS, err)
			continue
		}
		field, factor := fieldNames[v.Field], v.Factor
		readOpts = append(readOpts, gosml.WithObisCallback(gosml.OctetString(obis), func(entry *gosml.ListEntry) {
			m.update(field, entry.Float()*factor)
		}))
	}
	return gosml.Read(bufio.NewReader(r), readOpts...)
}

func (m *SMLMeter) update(f Fields, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[f] = smlValue{value: v, time: m.now()}
}

// Fetch returns the values received within the configured maximum age.
// Values older than that are left out of the snapshot.
func (m *SMLMeter) Fetch(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	snap := Snapshot{Time: now}
	found := false
	for f, v := range m.values {
		if now.Sub(v.time) > m.cfg.MaxAge {
			continue
		}
		val := v.value
		switch f {
		case FieldPower:
			snap.PowerW = &val
		case FieldVoltage:
			snap.VoltageV = &val
		case FieldCurrent:
			snap.CurrentA = &val
		case FieldPowerFactor:
			snap.PowerFactor = &val
		case FieldImport:
			snap.ImportWh = &val
		case FieldExport:
			snap.ExportWh = &val
		case FieldGas:
			snap.GasM3 = &val
		case FieldTariff:
			tariff := int(val)
			snap.Tariff = &tariff
		}
		found = true
	}
	if !found {
		return Snapshot{}, errgo.WithCausef(nil, ErrNoData, "no SML values from %s within %v", m.cfg.Device, m.cfg.MaxAge)
	}
	return snap, nil
}

// sleepCtx waits for d and reports whether ctx is still alive.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

package main

import (
	"time"
)

// Snapshot holds one measurement as delivered by an upstream meter.
// A nil field means the upstream did not report that quantity.
type Snapshot struct {
	PowerW      *float64
	VoltageV    *float64
	CurrentA    *float64
	PowerFactor *float64
	ImportWh    *float64
	ExportWh    *float64
	// GasM3 is the gas meter reading relayed by a P1 dongle.
	GasM3 *float64
	// Tariff is the active electricity tariff, counting from 1.
	Tariff *int
	// Time holds the measurement time, or the fetch time when the
	// upstream does not report one.
	Time time.Time
}

// Reading is the vendor neutral form of a measurement, as held by
// the cache and rendered by the Shelly builders.
type Reading struct {
	// PowerW is the active power. Positive values are taken from the
	// grid, negative values are fed into it.
	PowerW      float64
	VoltageV    float64
	CurrentA    float64
	PowerFactor float64
	// ImportWh and ExportWh mirror the upstream cumulative counters.
	ImportWh float64
	ExportWh float64
	GasM3    float64
	// Tariff is zero when the upstream never reported one.
	Tariff int
	Time   time.Time
	// Valid is false until the first successful poll.
	Valid bool
}

// Fields is a set of reading fields.
type Fields uint8

const (
	FieldPower Fields = 1 << iota
	FieldVoltage
	FieldCurrent
	FieldPowerFactor
	FieldImport
	FieldExport
	FieldGas
	FieldTariff

	AllFields = FieldPower | FieldVoltage | FieldCurrent | FieldPowerFactor | FieldImport | FieldExport | FieldGas | FieldTariff
)

// fieldNames maps configuration names onto fields.
var fieldNames = map[string]Fields{
	"power":         FieldPower,
	"voltage":       FieldVoltage,
	"current":       FieldCurrent,
	"power_factor":  FieldPowerFactor,
	"energy_import": FieldImport,
	"energy_export": FieldExport,
	"gas":           FieldGas,
	"tariff":        FieldTariff,
}

func (f Fields) Has(x Fields) bool {
	return f&x == x
}

// MapSnapshot converts s into a reading and reports which fields s
// actually carried. Absent quantities are zero, except the power
// factor which defaults to 1.
func MapSnapshot(s Snapshot) (Reading, Fields) {
	var present Fields
	get := func(v *float64, f Fields, def float64) float64 {
		if v == nil {
			return def
		}
		present |= f
		return *v
	}
	r := Reading{
		PowerW:      get(s.PowerW, FieldPower, 0),
		VoltageV:    get(s.VoltageV, FieldVoltage, 0),
		CurrentA:    get(s.CurrentA, FieldCurrent, 0),
		PowerFactor: get(s.PowerFactor, FieldPowerFactor, 1),
		ImportWh:    get(s.ImportWh, FieldImport, 0),
		ExportWh:    get(s.ExportWh, FieldExport, 0),
		GasM3:       get(s.GasM3, FieldGas, 0),
		Time:        s.Time,
	}
	if s.Tariff != nil {
		r.Tariff = *s.Tariff
		present |= FieldTariff
	}
	return r, present
}

// mergeReading fills the fields of next that are not in present from
// prev, so that a gap in one upstream payload never shows up as a
// drop to zero. When prev is not valid there is nothing to carry over.
func mergeReading(prev, next Reading, present Fields) Reading {
	next.Valid = true
	if !prev.Valid {
		return next
	}
	keep := func(dst *float64, src float64, f Fields) {
		if !present.Has(f) {
			*dst = src
		}
	}
	keep(&next.PowerW, prev.PowerW, FieldPower)
	keep(&next.VoltageV, prev.VoltageV, FieldVoltage)
	keep(&next.CurrentA, prev.CurrentA, FieldCurrent)
	keep(&next.PowerFactor, prev.PowerFactor, FieldPowerFactor)
	keep(&next.ImportWh, prev.ImportWh, FieldImport)
	keep(&next.ExportWh, prev.ExportWh, FieldExport)
	keep(&next.GasM3, prev.GasM3, FieldGas)
	if !present.Has(FieldTariff) {
		next.Tariff = prev.Tariff
	}
	return next
}

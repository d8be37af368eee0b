package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gopkg.in/errgo.v1"
)

// Source is an upstream meter that can deliver one snapshot on demand.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// HomeWizard reads the local API of a HomeWizard P1 meter.
type HomeWizard struct {
	Client *http.Client
	// URL is the full URL of the data endpoint,
	// usually http://host/api/v1/data.
	URL string
	// Now is used to timestamp snapshots. It defaults to time.Now.
	Now func() time.Time
}

var _ Source = (*HomeWizard)(nil)

// NewHomeWizard returns a client for the data endpoint at url whose
// requests give up after timeout.
func NewHomeWizard(url string, timeout time.Duration) *HomeWizard {
	return &HomeWizard{
		Client: &http.Client{Timeout: timeout},
		URL:    url,
	}
}

// homeWizardData holds the subset of the /api/v1/data payload we use.
// P1 meters report per phase values, kWh meters report aggregates;
// both are accepted.
type homeWizardData struct {
	ActivePowerW          *float64 `json:"active_power_w"`
	ActiveVoltageV        *float64 `json:"active_voltage_v"`
	ActiveVoltageL1V      *float64 `json:"active_voltage_l1_v"`
	ActiveCurrentA        *float64 `json:"active_current_a"`
	ActiveCurrentL1A      *float64 `json:"active_current_l1_a"`
	ActivePowerFactor     *float64 `json:"active_power_factor"`
	ActivePowerFactorL1   *float64 `json:"active_power_factor_l1"`
	TotalPowerImportKWh   *float64 `json:"total_power_import_kwh"`
	TotalPowerImportT1KWh *float64 `json:"total_power_import_t1_kwh"`
	TotalPowerImportT2KWh *float64 `json:"total_power_import_t2_kwh"`
	TotalPowerExportKWh   *float64 `json:"total_power_export_kwh"`
	TotalPowerExportT1KWh *float64 `json:"total_power_export_t1_kwh"`
	TotalPowerExportT2KWh *float64 `json:"total_power_export_t2_kwh"`
	TotalGasM3            *float64 `json:"total_gas_m3"`
	ActiveTariff          *int     `json:"active_tariff"`
}

// Fetch performs a single request against the meter. Every failure is
// returned with one of the upstream failure causes; Fetch never retries.
// A response without any known measurement fails with ErrNoData.
func (h *HomeWizard) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Snapshot{}, errgo.WithCausef(err, ErrNetwork, "cannot build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Snapshot{}, errgo.WithCausef(err, transportCause(err), "cannot fetch %s", h.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Snapshot{}, errgo.WithCausef(nil, ErrBadStatus, "unexpected status from %s: %s", h.URL, resp.Status)
	}

	// we expect no valid response larger than 1mb
	var data homeWizardData
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&data); err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, errgo.WithCausef(err, ErrTimeout, "reading body from %s", h.URL)
		}
		return Snapshot{}, errgo.WithCausef(err, ErrParse, "cannot parse response from %s", h.URL)
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	snap := data.snapshot(now())
	if _, present := MapSnapshot(snap); present == 0 {
		return Snapshot{}, errgo.WithCausef(nil, ErrNoData, "no measurements in response from %s", h.URL)
	}
	return snap, nil
}

func (d homeWizardData) snapshot(t time.Time) Snapshot {
	return Snapshot{
		PowerW:      d.ActivePowerW,
		VoltageV:    firstOf(d.ActiveVoltageV, d.ActiveVoltageL1V),
		CurrentA:    firstOf(d.ActiveCurrentA, d.ActiveCurrentL1A),
		PowerFactor: firstOf(d.ActivePowerFactor, d.ActivePowerFactorL1),
		ImportWh:    kWhToWh(firstOf(d.TotalPowerImportKWh, sumOf(d.TotalPowerImportT1KWh, d.TotalPowerImportT2KWh))),
		ExportWh:    kWhToWh(firstOf(d.TotalPowerExportKWh, sumOf(d.TotalPowerExportT1KWh, d.TotalPowerExportT2KWh))),
		GasM3:       d.TotalGasM3,
		Tariff:      d.ActiveTariff,
		Time:        t,
	}
}

func firstOf(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// sumOf returns the sum of the tariff counters, or nil if none is present.
func sumOf(vs ...*float64) *float64 {
	var total float64
	found := false
	for _, v := range vs {
		if v != nil {
			total += *v
			found = true
		}
	}
	if !found {
		return nil
	}
	return &total
}

func kWhToWh(v *float64) *float64 {
	if v == nil {
		return nil
	}
	wh := *v * 1000
	return &wh
}

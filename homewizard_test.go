package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"gopkg.in/errgo.v1"
)

// fakeP1 serves a HomeWizard style /api/v1/data endpoint whose
// response can be changed while the test runs.
type fakeP1 struct {
	srv *httptest.Server

	mu     sync.Mutex
	status int
	body   string
	hits   int
}

func newFakeP1(t testing.TB) *fakeP1 {
	f := &fakeP1{status: http.StatusOK, body: `{}`}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/data" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		status, body := f.status, f.body
		f.hits++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeP1) set(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeP1) dataURL() string {
	return f.srv.URL + "/api/v1/data"
}

// p1Payload is a trimmed response of a three phase P1 meter.
const p1Payload = `{
	"wifi_ssid": "home",
	"wifi_strength": 100,
	"smr_version": 50,
	"meter_model": "ISKRA 2M550T-101",
	"active_tariff": 2,
	"total_power_import_kwh": 13779.25,
	"total_power_import_t1_kwh": 10830.511,
	"total_power_import_t2_kwh": 2948.827,
	"total_power_export_kwh": 1234.5,
	"total_power_export_t1_kwh": 1000.0,
	"total_power_export_t2_kwh": 234.5,
	"active_power_w": -543,
	"active_power_l1_w": -543,
	"active_power_l2_w": 0,
	"active_power_l3_w": 0,
	"active_voltage_l1_v": 231.2,
	"active_current_l1_a": -2.35,
	"total_gas_m3": 2569.646
}`

func TestHomeWizardFetch(t *testing.T) {
	c := qt.New(t)
	p1 := newFakeP1(t)
	p1.set(http.StatusOK, p1Payload)

	hw := NewHomeWizard(p1.dataURL(), time.Second)
	hw.Now = func() time.Time { return t0 }
	snap, err := hw.Fetch(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(*snap.PowerW, qt.Equals, -543.0)
	c.Assert(*snap.VoltageV, qt.Equals, 231.2)
	c.Assert(*snap.CurrentA, qt.Equals, -2.35)
	c.Assert(snap.PowerFactor, qt.IsNil)
	c.Assert(*snap.ImportWh, qt.Equals, 13779250.0)
	c.Assert(*snap.ExportWh, qt.Equals, 1234500.0)
	c.Assert(*snap.GasM3, qt.Equals, 2569.646)
	c.Assert(*snap.Tariff, qt.Equals, 2)
	c.Assert(snap.Time, qt.Equals, t0)
}

func TestHomeWizardFetchAggregateFields(t *testing.T) {
	c := qt.New(t)
	p1 := newFakeP1(t)
	p1.set(http.StatusOK, `{
		"active_power_w": 1500,
		"active_voltage_v": 230,
		"active_voltage_l1_v": 999,
		"active_current_a": 6.5,
		"active_power_factor": 0.97,
		"total_power_import_t1_kwh": 1.5,
		"total_power_import_t2_kwh": 0.5
	}`)
	snap, err := NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(*snap.PowerW, qt.Equals, 1500.0)
	c.Assert(*snap.VoltageV, qt.Equals, 230.0)
	c.Assert(*snap.CurrentA, qt.Equals, 6.5)
	c.Assert(*snap.PowerFactor, qt.Equals, 0.97)
	c.Assert(*snap.ImportWh, qt.Equals, 2000.0)
	c.Assert(snap.ExportWh, qt.IsNil)
}

func TestHomeWizardFetchMissingFields(t *testing.T) {
	c := qt.New(t)
	p1 := newFakeP1(t)
	for _, body := range []string{`{}`, `{"wifi_ssid": "home"}`, `null`} {
		p1.set(http.StatusOK, body)
		_, err := NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
		c.Assert(errgo.Cause(err), qt.Equals, ErrNoData, qt.Commentf("body %s", body))
		c.Assert(FailureReason(err), qt.Equals, "nodata")
	}
}

func TestHomeWizardFetchGasOnly(t *testing.T) {
	c := qt.New(t)
	p1 := newFakeP1(t)
	p1.set(http.StatusOK, `{"total_gas_m3": 12.5}`)
	snap, err := NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
	c.Assert(err, qt.IsNil)
	_, present := MapSnapshot(snap)
	c.Assert(present, qt.Equals, FieldGas)
}

func TestHomeWizardFetchFailures(t *testing.T) {
	c := qt.New(t)
	p1 := newFakeP1(t)

	p1.set(http.StatusServiceUnavailable, `{"error": "busy"}`)
	_, err := NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
	c.Assert(errgo.Cause(err), qt.Equals, ErrBadStatus)
	c.Assert(FailureReason(err), qt.Equals, "status")

	p1.set(http.StatusOK, `{"active_power_w": 12`)
	_, err = NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
	c.Assert(errgo.Cause(err), qt.Equals, ErrParse)

	p1.set(http.StatusOK, `<html>not json</html>`)
	_, err = NewHomeWizard(p1.dataURL(), time.Second).Fetch(context.Background())
	c.Assert(FailureReason(err), qt.Equals, "parse")
}

func TestHomeWizardFetchRefused(t *testing.T) {
	c := qt.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewHomeWizard("http://"+addr+"/api/v1/data", time.Second).Fetch(context.Background())
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(FailureReason(err), qt.Equals, "refused")
}

func TestHomeWizardFetchTimeout(t *testing.T) {
	c := qt.New(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewHomeWizard(srv.URL+"/api/v1/data", 10*time.Second).Fetch(ctx)
	c.Assert(FailureReason(err), qt.Equals, "timeout")
	c.Assert(time.Since(start) < 5*time.Second, qt.IsTrue)
}

func TestTransportCause(t *testing.T) {
	c := qt.New(t)
	dnsErr := &url.Error{
		Op:  "Get",
		URL: "http://p1meter.invalid/api/v1/data",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "p1meter.invalid", IsNotFound: true}},
	}
	c.Assert(transportCause(dnsErr), qt.Equals, ErrDNS)
	c.Assert(transportCause(context.DeadlineExceeded), qt.Equals, ErrTimeout)
	c.Assert(transportCause(errgo.New("something else")), qt.Equals, ErrNetwork)
}

func TestFailureReasonUnknown(t *testing.T) {
	c := qt.New(t)
	c.Assert(FailureReason(errgo.New("boom")), qt.Equals, "unknown")
	c.Assert(FailureReason(errgo.WithCausef(nil, ErrNoData, "nothing yet")), qt.Equals, "nodata")
}

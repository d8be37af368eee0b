package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// ---------------------------------------------------------------------------
// OBISBytes
// ---------------------------------------------------------------------------

func TestOBISBytes_Valid(t *testing.T) {
	c := qt.New(t)
	got, err := ValueConfig{OBIS: "1.0.1.8.0"}.OBISBytes()
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, []byte{1, 0, 1, 8, 0})
}

func TestOBISBytes_InvalidLetter(t *testing.T) {
	c := qt.New(t)
	_, err := ValueConfig{OBIS: "1.0.X.8.0"}.OBISBytes()
	c.Assert(err, qt.ErrorMatches, `invalid OBIS code byte: X`)
}

func TestOBISBytes_OutOfRange(t *testing.T) {
	c := qt.New(t)
	_, err := ValueConfig{OBIS: "1.0.256.8.0"}.OBISBytes()
	c.Assert(err, qt.ErrorMatches, `invalid OBIS code byte: 256`)
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

var envKeys = []string{
	"UPSTREAM_SOURCE", "HOMEWIZARD_HOST", "HOMEWIZARD_PORT", "HOMEWIZARD_PATH",
	"PORT", "HTTP_PORT", "POLL_INTERVAL", "FETCH_TIMEOUT", "HTTP_ACCESS_LOG",
	"DEVICE_NAME", "DEVICE_ID", "DEVICE_MAC", "MQTT_BROKER", "MQTT_USERNAME",
	"MQTT_PASSWORD", "METRICS_LISTEN", "SML_DEVICE",
}

// clearEnv makes sure the environment of the test process cannot leak
// into the configuration under test.
func clearEnv(c *qt.C) {
	for _, k := range envKeys {
		c.Setenv(k, "")
	}
}

func writeTestConfig(c *qt.C, content string) string {
	path := filepath.Join(c.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, qt.IsNil)
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	yaml := `
upstream:
  host: 192.168.1.50
  poll_interval: 2s
http:
  listen: ":8081"
  access_log: true
device:
  name: Garage meter
  mac: "aa:bb:cc:00:11:22"
mqtt:
  broker: "tcp://localhost:1883"
  username: "user"
  password: "pass"
`
	cfg, err := LoadConfig(writeTestConfig(c, yaml), false)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Upstream.Source, qt.Equals, SourceHomeWizard)
	c.Assert(cfg.Upstream.UpstreamURL(), qt.Equals, "http://192.168.1.50/api/v1/data")
	c.Assert(cfg.Upstream.PollInterval, qt.Equals, 2*time.Second)
	c.Assert(cfg.Upstream.Timeout, qt.Equals, 1600*time.Millisecond, qt.Commentf("timeout defaults to 80%% of the interval"))
	c.Assert(cfg.HTTP, qt.Equals, HTTPConfig{Listen: ":8081", AccessLog: true})
	c.Assert(cfg.MQTT.ClientID, qt.Equals, "p1shelly")

	id := cfg.Identity()
	c.Assert(id.Name, qt.Equals, "Garage meter")
	c.Assert(id.MAC, qt.Equals, "AABBCC001122")
	c.Assert(id.Model, qt.Equals, "SPEM-003CEBEU")
	c.Assert(id.Frequency, qt.Equals, 50.0)
}

func TestLoadConfig_Defaults(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	cfg, err := LoadConfig(writeTestConfig(c, "upstream:\n  host: p1meter\n"), false)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.HTTP.Listen, qt.Equals, ":8080")
	c.Assert(cfg.Upstream.PollInterval, qt.Equals, time.Second)
	c.Assert(cfg.Upstream.Timeout < cfg.Upstream.PollInterval, qt.IsTrue)
	c.Assert(cfg.MQTT.Broker, qt.Equals, "")
	c.Assert(cfg.Metrics.Listen, qt.Equals, "")
}

func TestLoadConfig_EnvironmentOnly(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	c.Setenv("HOMEWIZARD_HOST", "10.0.0.7")
	c.Setenv("HOMEWIZARD_PORT", "8000")
	c.Setenv("PORT", "9090")
	c.Setenv("POLL_INTERVAL", "2")
	c.Setenv("DEVICE_NAME", "ShellyEM-EMU")

	cfg, err := LoadConfig(filepath.Join(c.TempDir(), "missing.yaml"), true)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Upstream.UpstreamURL(), qt.Equals, "http://10.0.0.7:8000/api/v1/data")
	c.Assert(cfg.HTTP.Listen, qt.Equals, ":9090")
	c.Assert(cfg.Upstream.PollInterval, qt.Equals, 2*time.Second)
	c.Assert(cfg.Identity().Name, qt.Equals, "ShellyEM-EMU")
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	c.Setenv("HOMEWIZARD_HOST", "override")
	c.Setenv("HTTP_PORT", "8181")
	c.Setenv("POLL_INTERVAL", "1500ms")
	c.Setenv("FETCH_TIMEOUT", "0.5")
	cfg, err := LoadConfig(writeTestConfig(c, "upstream:\n  host: fromfile\n"), false)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Upstream.Host, qt.Equals, "override")
	c.Assert(cfg.HTTP.Listen, qt.Equals, ":8181")
	c.Assert(cfg.Upstream.PollInterval, qt.Equals, 1500*time.Millisecond)
	c.Assert(cfg.Upstream.Timeout, qt.Equals, 500*time.Millisecond)
}

var loadConfigErrorTests = []struct {
	about string
	yaml  string
	env   map[string]string
	want  string
}{{
	about: "no host",
	yaml:  "http:\n  listen: \":8080\"\n",
	want:  "no upstream host.*",
}, {
	about: "timeout not below interval",
	yaml:  "upstream:\n  host: p1\n  poll_interval: 1s\n  timeout: 1s\n",
	want:  ".*must be shorter than poll interval.*",
}, {
	about: "CHANGE_ME credentials",
	yaml:  "upstream:\n  host: p1\nmqtt:\n  broker: tcp://b:1883\n  username: CHANGE_ME\n  password: CHANGE_ME\n",
	want:  ".*CHANGE_ME.*",
}, {
	about: "unknown source",
	yaml:  "upstream:\n  source: modbus\n",
	want:  `unknown upstream source "modbus"`,
}, {
	about: "sml without device",
	yaml:  "upstream:\n  source: sml\n",
	want:  ".*sml.device",
}, {
	about: "sml with unknown field",
	yaml:  "upstream:\n  source: sml\nsml:\n  device: /dev/ttyUSB0\n  values:\n    - obis: 1.0.14.7.0\n      field: frequency\n",
	want:  `unknown reading field "frequency".*`,
}, {
	about: "bad port",
	yaml:  "upstream:\n  host: p1\n",
	env:   map[string]string{"PORT": "eighty"},
	want:  `invalid PORT.*`,
}, {
	about: "bad interval",
	yaml:  "upstream:\n  host: p1\n",
	env:   map[string]string{"POLL_INTERVAL": "soon"},
	want:  `invalid POLL_INTERVAL.*`,
}}

func TestLoadConfig_Errors(t *testing.T) {
	c := qt.New(t)
	for _, test := range loadConfigErrorTests {
		c.Run(test.about, func(c *qt.C) {
			clearEnv(c)
			for k, v := range test.env {
				c.Setenv(k, v)
			}
			_, err := LoadConfig(writeTestConfig(c, test.yaml), false)
			c.Assert(err, qt.ErrorMatches, test.want)
		})
	}
}

func TestLoadConfig_SML(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	yaml := `
upstream:
  source: sml
sml:
  device: /dev/ttyUSB0
  values:
    - obis: "1.0.1.8.0"
      field: energy_import
    - obis: "1.0.16.7.0"
      field: power
      factor: 0.1
    - obis: "7.0.3.0.0"
      field: gas
`
	cfg, err := LoadConfig(writeTestConfig(c, yaml), false)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.SML.Values[0].Factor, qt.Equals, 1.0)
	c.Assert(cfg.SML.Values[1].Factor, qt.Equals, 0.1)
	c.Assert(cfg.SML.Values[2].Field, qt.Equals, "gas")
	c.Assert(cfg.SML.MaxAge, qt.Equals, 10*time.Second)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	_, err := LoadConfig("/nonexistent/path/config.yaml", false)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	c := qt.New(t)
	clearEnv(c)
	_, err := LoadConfig(writeTestConfig(c, "{{{{ not yaml"), false)
	c.Assert(err, qt.ErrorMatches, `cannot parse .*`)
}

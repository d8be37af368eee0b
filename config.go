package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/errgo.v1"
	"gopkg.in/yaml.v3"
)

const (
	SourceHomeWizard = "homewizard"
	SourceSML        = "sml"
)

type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	HTTP     HTTPConfig     `yaml:"http"`
	Device   DeviceConfig   `yaml:"device"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	SML      SMLConfig      `yaml:"sml"`
}

type UpstreamConfig struct {
	Source string `yaml:"source"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`
	// PollInterval is the fixed delay between two fetches. It doubles
	// as the retry interval after a failed fetch.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout bounds a single fetch. It must be shorter than PollInterval.
	Timeout time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	AccessLog bool   `yaml:"access_log"`
}

type DeviceConfig struct {
	Name      string  `yaml:"name"`
	ID        string  `yaml:"id"`
	MAC       string  `yaml:"mac"`
	Model     string  `yaml:"model"`
	Firmware  string  `yaml:"firmware"`
	Frequency float64 `yaml:"frequency"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type SMLConfig struct {
	Device string        `yaml:"device"`
	MaxAge time.Duration `yaml:"max_age"`
	Values []ValueConfig `yaml:"values"`
}

// ValueConfig maps one OBIS code of an SML meter onto a reading field.
type ValueConfig struct {
	OBIS   string  `yaml:"obis"`
	Field  string  `yaml:"field"`
	Factor float64 `yaml:"factor"`
}

func (v ValueConfig) OBISBytes() ([]byte, error) {
	parts := strings.Split(v.OBIS, ".")
	result := make([]byte, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid OBIS code byte: %s", p)
		}
		result[i] = byte(n)
	}
	return result, nil
}

// UpstreamURL returns the URL of the HomeWizard data endpoint.
func (u UpstreamConfig) UpstreamURL() string {
	host := u.Host
	if u.Port != 0 {
		host = fmt.Sprintf("%s:%d", u.Host, u.Port)
	}
	path := u.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + host + path
}

// LoadConfig reads the YAML configuration at path, applies environment
// overrides and defaults, and validates the result. A missing file is
// only accepted when optional is set; the configuration then comes from
// the environment alone.
func LoadConfig(path string, optional bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errgo.Notef(err, "cannot parse %q", path)
		}
	case os.IsNotExist(err) && optional:
	default:
		return nil, err
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&cfg.Upstream.Source, "UPSTREAM_SOURCE")
	str(&cfg.Upstream.Host, "HOMEWIZARD_HOST")
	str(&cfg.Upstream.Path, "HOMEWIZARD_PATH")
	str(&cfg.Device.Name, "DEVICE_NAME")
	str(&cfg.Device.ID, "DEVICE_ID")
	str(&cfg.Device.MAC, "DEVICE_MAC")
	str(&cfg.MQTT.Broker, "MQTT_BROKER")
	str(&cfg.MQTT.Username, "MQTT_USERNAME")
	str(&cfg.MQTT.Password, "MQTT_PASSWORD")
	str(&cfg.Metrics.Listen, "METRICS_LISTEN")
	str(&cfg.SML.Device, "SML_DEVICE")

	if v := getenv("HOMEWIZARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return errgo.Newf("invalid HOMEWIZARD_PORT %q", v)
		}
		cfg.Upstream.Port = port
	}
	for _, k := range []string{"PORT", "HTTP_PORT"} {
		v := getenv(k)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return errgo.Newf("invalid %s %q", k, v)
		}
		cfg.HTTP.Listen = fmt.Sprintf(":%d", port)
		break
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return errgo.Notef(err, "invalid POLL_INTERVAL")
		}
		cfg.Upstream.PollInterval = d
	}
	if v := getenv("FETCH_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return errgo.Notef(err, "invalid FETCH_TIMEOUT")
		}
		cfg.Upstream.Timeout = d
	}
	if v := getenv("HTTP_ACCESS_LOG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errgo.Notef(err, "invalid HTTP_ACCESS_LOG")
		}
		cfg.HTTP.AccessLog = b
	}
	return nil
}

// parseSeconds accepts either a plain number of seconds ("2", "0.5")
// or a Go duration ("1500ms").
func parseSeconds(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func applyDefaults(cfg *Config) {
	if cfg.Upstream.Source == "" {
		cfg.Upstream.Source = SourceHomeWizard
	}
	if cfg.Upstream.Path == "" {
		cfg.Upstream.Path = "/api/v1/data"
	}
	if cfg.Upstream.PollInterval == 0 {
		cfg.Upstream.PollInterval = time.Second
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = cfg.Upstream.PollInterval * 8 / 10
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "p1shelly"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "p1shelly"
	}
	if cfg.SML.MaxAge == 0 {
		cfg.SML.MaxAge = 10 * time.Second
	}
	for i := range cfg.SML.Values {
		if cfg.SML.Values[i].Factor == 0 {
			cfg.SML.Values[i].Factor = 1.0
		}
	}
	d := &cfg.Device
	def := DefaultIdentity()
	if d.Name == "" {
		d.Name = def.Name
	}
	if d.ID == "" {
		d.ID = def.ID
	}
	if d.MAC == "" {
		d.MAC = def.MAC
	}
	if d.Model == "" {
		d.Model = def.Model
	}
	if d.Firmware == "" {
		d.Firmware = def.Firmware
	}
	if d.Frequency == 0 {
		d.Frequency = def.Frequency
	}
}

func (cfg *Config) validate() error {
	u := cfg.Upstream
	switch u.Source {
	case SourceHomeWizard:
		if u.Host == "" {
			return errgo.New("no upstream host configured (set upstream.host or HOMEWIZARD_HOST)")
		}
	case SourceSML:
		if cfg.SML.Device == "" {
			return errgo.New("sml source needs sml.device")
		}
		if len(cfg.SML.Values) == 0 {
			return errgo.New("sml source needs at least one value mapping")
		}
		for _, v := range cfg.SML.Values {
			if _, err := v.OBISBytes(); err != nil {
				return errgo.Mask(err)
			}
			if _, ok := fieldNames[v.Field]; !ok {
				return errgo.Newf("unknown reading field %q for OBIS %s", v.Field, v.OBIS)
			}
		}
	default:
		return errgo.Newf("unknown upstream source %q", u.Source)
	}
	if u.PollInterval < 0 || u.Timeout < 0 {
		return errgo.New("poll interval and timeout must be positive")
	}
	if u.Timeout >= u.PollInterval {
		return errgo.Newf("fetch timeout %v must be shorter than poll interval %v", u.Timeout, u.PollInterval)
	}
	if cfg.MQTT.Broker != "" && (cfg.MQTT.Username == "CHANGE_ME" || cfg.MQTT.Password == "CHANGE_ME") {
		return errgo.New("MQTT username/password still set to 'CHANGE_ME'")
	}
	return nil
}

// Identity returns the emulated device identity described by the
// device section.
func (cfg *Config) Identity() Identity {
	id := DefaultIdentity()
	id.Name = cfg.Device.Name
	id.ID = cfg.Device.ID
	id.MAC = strings.ToUpper(strings.ReplaceAll(cfg.Device.MAC, ":", ""))
	id.Model = cfg.Device.Model
	id.Firmware = cfg.Device.Firmware
	id.Frequency = cfg.Device.Frequency
	return id
}

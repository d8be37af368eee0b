package main

import (
	"math"
	"time"
)

// Identity describes the emulated Shelly Pro 3EM.
type Identity struct {
	Name     string
	ID       string
	MAC      string
	Model    string
	Firmware string
	BuildID  string
	App      string
	// Frequency is the nominal grid frequency reported for phase A.
	Frequency float64
}

func DefaultIdentity() Identity {
	return Identity{
		Name:      "Shelly Pro 3EM Emulator",
		ID:        "shellyproem3-emulator",
		MAC:       "AABBCCDDEEFF",
		Model:     "SPEM-003CEBEU",
		Firmware:  "1.0.0-emulator",
		BuildID:   "20250101-000000",
		App:       "Pro3EM",
		Frequency: 50,
	}
}

func (id Identity) firmwareID() string {
	return id.BuildID + "/" + id.Firmware
}

// Clock holds the time values some responses carry.
// They are passed in so that rendering stays a pure function.
type Clock struct {
	Now     time.Time
	Started time.Time
}

func (c Clock) uptime() int64 {
	return int64(c.Now.Sub(c.Started) / time.Second)
}

// The Shelly responses below put every measured quantity on phase A.
// Phases B and C are always zero and totals equal phase A. Current is
// rendered as a magnitude; the sign of the power gives the direction.

// DeviceInfo is the Gen2 device identification, as returned by
// /shelly and Shelly.GetDeviceInfo.
type DeviceInfo struct {
	Name        string  `json:"name"`
	ID          string  `json:"id"`
	MAC         string  `json:"mac"`
	Slot        int     `json:"slot"`
	Model       string  `json:"model"`
	Gen         int     `json:"gen"`
	FirmwareID  string  `json:"fw_id"`
	Version     string  `json:"ver"`
	App         string  `json:"app"`
	AuthEnabled bool    `json:"auth_en"`
	AuthDomain  *string `json:"auth_domain"`
	Profile     string  `json:"profile"`
}

// ShellyInfo is the body of /shelly. Besides the Gen2 keys it carries
// the Gen1 ones so that clients of either generation can probe it.
type ShellyInfo struct {
	DeviceInfo
	Type         string `json:"type"`
	FW           string `json:"fw"`
	Auth         bool   `json:"auth"`
	Discoverable bool   `json:"discoverable"`
	LongID       int    `json:"longid"`
	NumOutputs   int    `json:"num_outputs"`
	NumMeters    int    `json:"num_meters"`
}

func BuildDeviceInfo(id Identity) DeviceInfo {
	return DeviceInfo{
		Name:       id.Name,
		ID:         id.ID,
		MAC:        id.MAC,
		Model:      id.Model,
		Gen:        2,
		FirmwareID: id.firmwareID(),
		Version:    id.Firmware,
		App:        id.App,
		Profile:    "triphase",
	}
}

func BuildShelly(id Identity) ShellyInfo {
	return ShellyInfo{
		DeviceInfo:   BuildDeviceInfo(id),
		Type:         id.Model,
		FW:           id.Firmware,
		Discoverable: true,
		LongID:       1,
		NumMeters:    3,
	}
}

type Settings struct {
	Device struct {
		Type       string `json:"type"`
		MAC        string `json:"mac"`
		Hostname   string `json:"hostname"`
		NumOutputs int    `json:"num_outputs"`
		NumMeters  int    `json:"num_meters"`
	} `json:"device"`
	WifiAP struct {
		Enabled bool `json:"enabled"`
	} `json:"wifi_ap"`
	WifiSta struct {
		Enabled    bool   `json:"enabled"`
		SSID       string `json:"ssid"`
		IPv4Method string `json:"ipv4_method"`
	} `json:"wifi_sta"`
	MQTT struct {
		Enable bool `json:"enable"`
	} `json:"mqtt"`
	SNTP struct {
		Server string `json:"server"`
	} `json:"sntp"`
	Login struct {
		Enabled bool `json:"enabled"`
	} `json:"login"`
	PinCode      string `json:"pin_code"`
	Name         string `json:"name"`
	FW           string `json:"fw"`
	Discoverable bool   `json:"discoverable"`
	BuildInfo    struct {
		BuildID        string `json:"build_id"`
		BuildTimestamp string `json:"build_timestamp"`
	} `json:"build_info"`
	Cloud struct {
		Enabled bool `json:"enabled"`
	} `json:"cloud"`
}

func BuildSettings(id Identity) Settings {
	var s Settings
	s.Device.Type = id.Model
	s.Device.MAC = id.MAC
	s.Device.Hostname = id.ID
	s.Device.NumMeters = 3
	s.WifiSta.Enabled = true
	s.WifiSta.SSID = "EmulatedNetwork"
	s.WifiSta.IPv4Method = "dhcp"
	s.SNTP.Server = "time.google.com"
	s.Name = id.Name
	s.FW = id.Firmware
	s.Discoverable = true
	s.BuildInfo.BuildID = id.BuildID
	s.BuildInfo.BuildTimestamp = "2025-01-01T00:00:00Z"
	return s
}

// Gen1EMeter is one element of the Gen1 "emeters" list, also served
// on its own by /emeter/0. Energy totals are in Wh.
type Gen1EMeter struct {
	Power         float64 `json:"power"`
	PF            float64 `json:"pf"`
	Current       float64 `json:"current"`
	Voltage       float64 `json:"voltage"`
	IsValid       bool    `json:"is_valid"`
	Total         float64 `json:"total"`
	TotalReturned float64 `json:"total_returned"`
}

func BuildEMeter(r Reading) Gen1EMeter {
	return Gen1EMeter{
		Power:         round(r.PowerW, 2),
		PF:            round(r.PowerFactor, 2),
		Current:       round(math.Abs(r.CurrentA), 3),
		Voltage:       round(r.VoltageV, 2),
		IsValid:       r.Valid,
		Total:         round(r.ImportWh, 2),
		TotalReturned: round(r.ExportWh, 2),
	}
}

type Gen1Status struct {
	WifiSta struct {
		Connected bool   `json:"connected"`
		SSID      string `json:"ssid"`
		IP        string `json:"ip"`
	} `json:"wifi_sta"`
	Cloud struct {
		Enabled   bool `json:"enabled"`
		Connected bool `json:"connected"`
	} `json:"cloud"`
	MQTT struct {
		Connected bool `json:"connected"`
	} `json:"mqtt"`
	Time          string `json:"time"`
	Unixtime      int64  `json:"unixtime"`
	Serial        int    `json:"serial"`
	HasUpdate     bool   `json:"has_update"`
	MAC           string `json:"mac"`
	CfgChangedCnt int    `json:"cfg_changed_cnt"`
	ActionsStats  struct {
		Skipped int `json:"skipped"`
	} `json:"actions_stats"`
	Relays     []struct{}   `json:"relays"`
	EMeters    []Gen1EMeter `json:"emeters"`
	TotalPower float64      `json:"total_power"`
	FsSize     int          `json:"fs_size"`
	FsFree     int          `json:"fs_free"`
	Uptime     int64        `json:"uptime"`
	RAMTotal   int          `json:"ram_total"`
	RAMFree    int          `json:"ram_free"`
	Update     struct {
		Status    string `json:"status"`
		HasUpdate bool   `json:"has_update"`
	} `json:"update"`
}

func BuildStatus(r Reading, id Identity, c Clock) Gen1Status {
	var s Gen1Status
	s.WifiSta.Connected = true
	s.WifiSta.SSID = "EmulatedNetwork"
	s.WifiSta.IP = "192.168.1.100"
	s.Time = c.Now.Format("15:04")
	s.Unixtime = c.Now.Unix()
	s.Serial = 1
	s.MAC = id.MAC
	s.Relays = []struct{}{}
	s.EMeters = []Gen1EMeter{
		BuildEMeter(r),
		{IsValid: r.Valid},
		{IsValid: r.Valid},
	}
	s.TotalPower = round(r.PowerW, 2)
	s.FsSize = 233681
	s.FsFree = 150621
	s.Uptime = c.uptime()
	s.RAMTotal = 51032
	s.RAMFree = 38836
	s.Update.Status = "idle"
	return s
}

// EMStatus is the result of the Gen2 EM.GetStatus method.
type EMStatus struct {
	ID                  int      `json:"id"`
	ACurrent            float64  `json:"a_current"`
	AVoltage            float64  `json:"a_voltage"`
	AActPower           float64  `json:"a_act_power"`
	AAprtPower          float64  `json:"a_aprt_power"`
	APF                 float64  `json:"a_pf"`
	AFreq               float64  `json:"a_freq"`
	BCurrent            float64  `json:"b_current"`
	BVoltage            float64  `json:"b_voltage"`
	BActPower           float64  `json:"b_act_power"`
	BAprtPower          float64  `json:"b_aprt_power"`
	BPF                 float64  `json:"b_pf"`
	BFreq               float64  `json:"b_freq"`
	CCurrent            float64  `json:"c_current"`
	CVoltage            float64  `json:"c_voltage"`
	CActPower           float64  `json:"c_act_power"`
	CAprtPower          float64  `json:"c_aprt_power"`
	CPF                 float64  `json:"c_pf"`
	CFreq               float64  `json:"c_freq"`
	NCurrent            float64  `json:"n_current"`
	TotalCurrent        float64  `json:"total_current"`
	TotalActPower       float64  `json:"total_act_power"`
	TotalAprtPower      float64  `json:"total_aprt_power"`
	UserCalibratedPhase []string `json:"user_calibrated_phase"`
}

func BuildEMStatus(r Reading, id Identity) EMStatus {
	s := EMStatus{
		ACurrent:            round(math.Abs(r.CurrentA), 3),
		AVoltage:            round(r.VoltageV, 2),
		AActPower:           round(r.PowerW, 2),
		AAprtPower:          round(apparentPower(r), 2),
		APF:                 round(r.PowerFactor, 2),
		UserCalibratedPhase: []string{},
	}
	if r.Valid {
		s.AFreq = id.Frequency
	}
	s.TotalCurrent = s.ACurrent
	s.TotalActPower = s.AActPower
	s.TotalAprtPower = s.AAprtPower
	return s
}

// EMDataStatus is the result of the Gen2 EMData.GetStatus method.
// Energies are in Wh.
type EMDataStatus struct {
	ID                 int     `json:"id"`
	ATotalActEnergy    float64 `json:"a_total_act_energy"`
	ATotalActRetEnergy float64 `json:"a_total_act_ret_energy"`
	BTotalActEnergy    float64 `json:"b_total_act_energy"`
	BTotalActRetEnergy float64 `json:"b_total_act_ret_energy"`
	CTotalActEnergy    float64 `json:"c_total_act_energy"`
	CTotalActRetEnergy float64 `json:"c_total_act_ret_energy"`
	TotalAct           float64 `json:"total_act"`
	TotalActRet        float64 `json:"total_act_ret"`
}

func BuildEMDataStatus(r Reading) EMDataStatus {
	s := EMDataStatus{
		ATotalActEnergy:    round(r.ImportWh, 2),
		ATotalActRetEnergy: round(r.ExportWh, 2),
	}
	s.TotalAct = s.ATotalActEnergy
	s.TotalActRet = s.ATotalActRetEnergy
	return s
}

// SysStatus is the "sys" component of Shelly.GetStatus.
type SysStatus struct {
	MAC             string   `json:"mac"`
	RestartRequired bool     `json:"restart_required"`
	Time            string   `json:"time"`
	Unixtime        int64    `json:"unixtime"`
	Uptime          int64    `json:"uptime"`
	RAMSize         int      `json:"ram_size"`
	RAMFree         int      `json:"ram_free"`
	FsSize          int      `json:"fs_size"`
	FsFree          int      `json:"fs_free"`
	CfgRev          int      `json:"cfg_rev"`
	AvailableUpdate struct{} `json:"available_updates"`
}

// Gen2Status is the result of the Gen2 Shelly.GetStatus method.
type Gen2Status struct {
	EM     EMStatus     `json:"em:0"`
	EMData EMDataStatus `json:"emdata:0"`
	Sys    SysStatus    `json:"sys"`
}

func BuildGen2Status(r Reading, id Identity, c Clock) Gen2Status {
	return Gen2Status{
		EM:     BuildEMStatus(r, id),
		EMData: BuildEMDataStatus(r),
		Sys: SysStatus{
			MAC:      id.MAC,
			Time:     c.Now.Format("15:04"),
			Unixtime: c.Now.Unix(),
			Uptime:   c.uptime(),
			RAMSize:  51032,
			RAMFree:  38836,
			FsSize:   233681,
			FsFree:   150621,
			CfgRev:   1,
		},
	}
}

// apparentPower derives the apparent power from voltage and current
// when both are known, and falls back to the active power otherwise.
func apparentPower(r Reading) float64 {
	if r.VoltageV != 0 && r.CurrentA != 0 {
		return math.Abs(r.VoltageV * r.CurrentA)
	}
	return math.Abs(r.PowerW)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	x := math.Round(v*p) / p
	if x == 0 {
		// avoid rendering -0
		return 0
	}
	return x
}

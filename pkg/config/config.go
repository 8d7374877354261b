package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the instrument configuration.
type Config struct {
	App    AppConfig    `yaml:"app"`
	Serial SerialConfig `yaml:"serial"`
	DSP    DSPConfig    `yaml:"dsp"`
	Drive  DriveConfig  `yaml:"drive"`
	Safety SafetyConfig `yaml:"safety"`
	Health HealthConfig `yaml:"health"`
	Modbus ModbusConfig `yaml:"modbus"`
	Model  ModelConfig  `yaml:"model"`
	Sim    SimConfig    `yaml:"sim"`
}

// AppConfig contains top-level loop settings.
type AppConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // control loop period
	SampleRateHz float64       `yaml:"sample_rate_hz"`
	Driver       string        `yaml:"driver"` // "sim" or "serial"
}

// SerialConfig contains serial port configuration for the MCU front-end.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// DSPConfig contains lock-in and sweep parameters.
type DSPConfig struct {
	TargetFreqHz float64       `yaml:"target_freq_hz"`
	SweepSpanHz  float64       `yaml:"sweep_span_hz"`
	SweepStepHz  float64       `yaml:"sweep_step_hz"`
	SweepDwell   time.Duration `yaml:"sweep_dwell"`
	LockinTau    time.Duration `yaml:"lockin_tau"`

	NudgeGain        float64 `yaml:"nudge_gain"`         // Hz per degree of phase error
	MaxNudgeHz       float64 `yaml:"max_nudge_hz"`       // per-tick frequency step bound
	PhaseTargetDeg   float64 `yaml:"phase_target_deg"`   // resonance phase setpoint
	LockMinMagnitude float64 `yaml:"lock_min_magnitude"` // minimum magnitude to declare lock
}

// DriveConfig contains drive actuator limits.
type DriveConfig struct {
	DutyMin      float64       `yaml:"duty_min"`
	DutyMax      float64       `yaml:"duty_max"`
	StartDuty    float64       `yaml:"start_duty"`
	RampStep     float64       `yaml:"ramp_step"`
	RampInterval time.Duration `yaml:"ramp_interval"`
}

// SafetyConfig contains fault evaluation parameters.
type SafetyConfig struct {
	CommLossTimeout time.Duration `yaml:"comm_loss_timeout"`
	CommLossAction  string        `yaml:"comm_loss_action"`
	RemoteEnable    bool          `yaml:"remote_enable"`
	TempMaxC        float64       `yaml:"temp_max_c"`
}

// HealthConfig contains composite score thresholds.
type HealthConfig struct {
	MinConfidenceOK   float64 `yaml:"min_confidence_ok"`
	MinConfidenceGood float64 `yaml:"min_confidence_good"`
	MaxFreqJumpHz     float64 `yaml:"max_freq_jump_hz"`
	MaxNoiseRatio     float64 `yaml:"max_noise_ratio"`
	MaxDropoutsPerMin int     `yaml:"max_dropouts_per_min"`
}

// ModbusConfig contains PLC interface settings.
type ModbusConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Listen     string        `yaml:"listen"`
	SyncPeriod time.Duration `yaml:"sync_period"`
}

// CalPoint maps a lock-in amplitude feature to a viscosity value.
type CalPoint struct {
	Feature     float64 `yaml:"feature"`
	ViscosityCP float64 `yaml:"viscosity_cp"`
}

// ModelConfig contains the viscosity conversion curve and temperature compensation.
type ModelConfig struct {
	Points        []CalPoint `yaml:"points"`
	TempCompCoeff float64    `yaml:"temp_comp_coeff"` // fractional change per degree C
	RefTempC      float64    `yaml:"ref_temp_c"`
}

// SimConfig contains simulated driver parameters.
type SimConfig struct {
	ResonanceHz float64 `yaml:"resonance_hz"`
	PeakVolts   float64 `yaml:"peak_volts"`
	WidthHz     float64 `yaml:"width_hz"`
	NoiseVolts  float64 `yaml:"noise_volts"`
	TempC       float64 `yaml:"temp_c"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		App: AppConfig{
			TickInterval: 10 * time.Millisecond,
			SampleRateHz: 200,
			Driver:       "sim",
		},
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		DSP: DSPConfig{
			TargetFreqHz:     180.0,
			SweepSpanHz:      5.0,
			SweepStepHz:      0.1,
			SweepDwell:       60 * time.Millisecond,
			LockinTau:        200 * time.Millisecond,
			NudgeGain:        0.005,
			MaxNudgeHz:       0.3,
			PhaseTargetDeg:   90.0,
			LockMinMagnitude: 0.001,
		},
		Drive: DriveConfig{
			DutyMin:      0.02,
			DutyMax:      0.85,
			StartDuty:    0.15,
			RampStep:     0.02,
			RampInterval: 20 * time.Millisecond,
		},
		Safety: SafetyConfig{
			CommLossTimeout: 3 * time.Second,
			CommLossAction:  "safe_stop",
			RemoteEnable:    false,
			TempMaxC:        85.0,
		},
		Health: HealthConfig{
			MinConfidenceOK:   60,
			MinConfidenceGood: 80,
			MaxFreqJumpHz:     1.0,
			MaxNoiseRatio:     0.5,
			MaxDropoutsPerMin: 5,
		},
		Modbus: ModbusConfig{
			Enabled:    true,
			Listen:     "0.0.0.0:5020",
			SyncPeriod: 100 * time.Millisecond,
		},
		Model: ModelConfig{
			Points: []CalPoint{
				{Feature: 0.0, ViscosityCP: 0.0},
				{Feature: 0.05, ViscosityCP: 100.0},
				{Feature: 0.10, ViscosityCP: 350.0},
			},
			TempCompCoeff: 0.02,
			RefTempC:      25.0,
		},
		Sim: SimConfig{
			ResonanceHz: 179.8,
			PeakVolts:   0.05,
			WidthHz:     0.6,
			NoiseVolts:  0.001,
			TempC:       24.5,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values. The result is always validated;
// out-of-range values are rejected here, never clamped later in the control
// loop.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigError reports an out-of-range configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Validate checks value ranges and returns a *ConfigError for the first
// offending field.
func (c *Config) Validate() error {
	switch {
	case c.App.TickInterval < time.Millisecond || c.App.TickInterval > time.Second:
		return &ConfigError{"app.tick_interval", "must be between 1ms and 1s"}
	case c.App.SampleRateHz <= 0 || c.App.SampleRateHz > 10000:
		return &ConfigError{"app.sample_rate_hz", "must be in (0, 10000]"}
	case c.App.Driver != "sim" && c.App.Driver != "serial":
		return &ConfigError{"app.driver", "must be \"sim\" or \"serial\""}
	case c.DSP.TargetFreqHz <= 0 || c.DSP.TargetFreqHz > 1000:
		return &ConfigError{"dsp.target_freq_hz", "must be in (0, 1000]"}
	case c.DSP.SweepSpanHz <= 0 || c.DSP.SweepSpanHz > 200:
		return &ConfigError{"dsp.sweep_span_hz", "must be in (0, 200]"}
	case c.DSP.SweepStepHz <= 0 || c.DSP.SweepStepHz > 10:
		return &ConfigError{"dsp.sweep_step_hz", "must be in (0, 10]"}
	case c.DSP.LockinTau <= 0 || c.DSP.LockinTau > 10*time.Second:
		return &ConfigError{"dsp.lockin_tau", "must be in (0, 10s]"}
	case c.Drive.DutyMin < 0 || c.Drive.DutyMin >= c.Drive.DutyMax:
		return &ConfigError{"drive.duty_min", "must be >= 0 and below duty_max"}
	case c.Drive.DutyMax > 1.0:
		return &ConfigError{"drive.duty_max", "must not exceed 1.0"}
	case c.Drive.StartDuty < c.Drive.DutyMin || c.Drive.StartDuty > c.Drive.DutyMax:
		return &ConfigError{"drive.start_duty", "must be within [duty_min, duty_max]"}
	case c.Safety.CommLossTimeout <= 0:
		return &ConfigError{"safety.comm_loss_timeout", "must be positive"}
	case c.Safety.CommLossAction != "safe_stop":
		return &ConfigError{"safety.comm_loss_action", "must be \"safe_stop\""}
	case c.Safety.TempMaxC <= 0:
		return &ConfigError{"safety.temp_max_c", "must be positive"}
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.App.TickInterval == 0 {
		c.App.TickInterval = def.App.TickInterval
	}
	if c.App.SampleRateHz == 0 {
		c.App.SampleRateHz = def.App.SampleRateHz
	}
	if c.App.Driver == "" {
		c.App.Driver = def.App.Driver
	}

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.DSP.TargetFreqHz == 0 {
		c.DSP.TargetFreqHz = def.DSP.TargetFreqHz
	}
	if c.DSP.SweepSpanHz == 0 {
		c.DSP.SweepSpanHz = def.DSP.SweepSpanHz
	}
	if c.DSP.SweepStepHz == 0 {
		c.DSP.SweepStepHz = def.DSP.SweepStepHz
	}
	if c.DSP.SweepDwell == 0 {
		c.DSP.SweepDwell = def.DSP.SweepDwell
	}
	if c.DSP.LockinTau == 0 {
		c.DSP.LockinTau = def.DSP.LockinTau
	}
	if c.DSP.NudgeGain == 0 {
		c.DSP.NudgeGain = def.DSP.NudgeGain
	}
	if c.DSP.MaxNudgeHz == 0 {
		c.DSP.MaxNudgeHz = def.DSP.MaxNudgeHz
	}
	if c.DSP.PhaseTargetDeg == 0 {
		c.DSP.PhaseTargetDeg = def.DSP.PhaseTargetDeg
	}
	if c.DSP.LockMinMagnitude == 0 {
		c.DSP.LockMinMagnitude = def.DSP.LockMinMagnitude
	}

	if c.Drive.DutyMax == 0 {
		c.Drive.DutyMax = def.Drive.DutyMax
	}
	if c.Drive.StartDuty == 0 {
		c.Drive.StartDuty = def.Drive.StartDuty
	}
	if c.Drive.RampStep == 0 {
		c.Drive.RampStep = def.Drive.RampStep
	}
	if c.Drive.RampInterval == 0 {
		c.Drive.RampInterval = def.Drive.RampInterval
	}

	if c.Safety.CommLossTimeout == 0 {
		c.Safety.CommLossTimeout = def.Safety.CommLossTimeout
	}
	if c.Safety.CommLossAction == "" {
		c.Safety.CommLossAction = def.Safety.CommLossAction
	}
	if c.Safety.TempMaxC == 0 {
		c.Safety.TempMaxC = def.Safety.TempMaxC
	}

	if c.Health.MinConfidenceOK == 0 {
		c.Health.MinConfidenceOK = def.Health.MinConfidenceOK
	}
	if c.Health.MinConfidenceGood == 0 {
		c.Health.MinConfidenceGood = def.Health.MinConfidenceGood
	}
	if c.Health.MaxFreqJumpHz == 0 {
		c.Health.MaxFreqJumpHz = def.Health.MaxFreqJumpHz
	}
	if c.Health.MaxNoiseRatio == 0 {
		c.Health.MaxNoiseRatio = def.Health.MaxNoiseRatio
	}
	if c.Health.MaxDropoutsPerMin == 0 {
		c.Health.MaxDropoutsPerMin = def.Health.MaxDropoutsPerMin
	}

	if c.Modbus.Listen == "" {
		c.Modbus.Listen = def.Modbus.Listen
	}
	if c.Modbus.SyncPeriod == 0 {
		c.Modbus.SyncPeriod = def.Modbus.SyncPeriod
	}

	if len(c.Model.Points) == 0 {
		c.Model.Points = def.Model.Points
	}
	if c.Model.RefTempC == 0 {
		c.Model.RefTempC = def.Model.RefTempC
	}

	if c.Sim.ResonanceHz == 0 {
		c.Sim.ResonanceHz = def.Sim.ResonanceHz
	}
	if c.Sim.PeakVolts == 0 {
		c.Sim.PeakVolts = def.Sim.PeakVolts
	}
	if c.Sim.WidthHz == 0 {
		c.Sim.WidthHz = def.Sim.WidthHz
	}
	if c.Sim.TempC == 0 {
		c.Sim.TempC = def.Sim.TempC
	}
}

// Package safety evaluates fault conditions each control tick and decides
// whether the drive may keep running. Faults latch until explicitly reset.
package safety

import (
	"log"
	"time"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/regmap"
)

// Input carries the per-tick observations the manager evaluates.
type Input struct {
	ADCOK      bool
	TempOK     bool
	TempC      float64
	SignalClip bool
	Duty       float64

	// Heartbeat is the raw counter value the PLC writes. Any change
	// re-arms the comm-loss detector.
	Heartbeat    uint16
	RemoteEnable bool
}

// Decision is the result of one evaluation pass.
type Decision struct {
	AllowDrive   bool
	FaultLatched bool
	Alarms       uint16
	CommLoss     bool

	// SafeStop is set on the single tick a comm-loss episode trips.
	SafeStop bool
	Reason   string
}

// Manager holds the fault latch and comm-loss episode state.
type Manager struct {
	dutyMin  float64
	dutyMax  float64
	tempMaxC float64
	timeout  time.Duration
	action   string

	faultLatched bool
	faultReason  string
	alarms       uint16

	lastHeartbeat   uint16
	lastHeartbeatAt time.Time
	heartbeatSeen   bool
	commLossTripped bool
}

// New builds a Manager from drive limits and safety settings.
func New(drive config.DriveConfig, safety config.SafetyConfig) *Manager {
	return &Manager{
		dutyMin:  drive.DutyMin,
		dutyMax:  drive.DutyMax,
		tempMaxC: safety.TempMaxC,
		timeout:  safety.CommLossTimeout,
		action:   safety.CommLossAction,
	}
}

// FaultLatched reports whether a fault is currently latched.
func (m *Manager) FaultLatched() bool {
	return m.faultLatched
}

// Alarms returns the active alarm bits.
func (m *Manager) Alarms() uint16 {
	return m.alarms
}

// NoteLostLock flags a lock dropout. It raises an alarm but does not latch;
// the state machine handles re-acquisition.
func (m *Manager) NoteLostLock() {
	m.alarms |= regmap.AlarmLostLock
}

// ClearLostLock drops the lost-lock alarm once lock is re-acquired.
func (m *Manager) ClearLostLock() {
	m.alarms &^= regmap.AlarmLostLock
}

// ResetAlarms clears the latch and all alarm bits. The next Check re-raises
// anything still unsafe.
func (m *Manager) ResetAlarms() {
	m.faultLatched = false
	m.faultReason = ""
	m.alarms = 0
	m.commLossTripped = false
	log.Printf("safety: alarms reset")
}

func (m *Manager) latch(reason string) {
	if m.faultLatched {
		return
	}
	m.faultLatched = true
	m.faultReason = reason
	log.Printf("safety: fault latched: %s", reason)
}

// Check runs one evaluation pass. The orchestrator calls it every tick.
func (m *Manager) Check(now time.Time, in Input) Decision {
	if !in.ADCOK {
		m.alarms |= regmap.AlarmADCFault
		m.latch("adc_fault")
	}
	if !in.TempOK {
		m.alarms |= regmap.AlarmTempFault
		m.latch("temp_fault")
	} else if m.tempMaxC > 0 && in.TempC > m.tempMaxC {
		m.alarms |= regmap.AlarmOverheat
		m.latch("overheat")
	}
	if in.SignalClip {
		m.alarms |= regmap.AlarmSignalClip
	}

	if in.Duty < 0 || in.Duty > m.dutyMax {
		m.alarms |= regmap.AlarmOvercurrent
		m.latch("duty_out_of_range")
	} else if in.Duty > 0 && in.Duty < m.dutyMin {
		// Below the minimum effective duty the probe produces no usable
		// signal. Flag it but keep running.
		m.alarms |= regmap.AlarmConfig
	}

	safeStop := false
	commLoss := m.checkCommLoss(now, in)
	if commLoss && !m.commLossTripped {
		m.commLossTripped = true
		m.alarms |= regmap.AlarmCommLoss
		safeStop = true
		log.Printf("safety: PLC heartbeat lost, action=%s", m.action)
		if m.action == "safe_stop" {
			m.latch("comm_loss")
		}
	}

	reason := ""
	allow := true
	if m.faultLatched {
		allow = false
		reason = m.faultReason
	}
	return Decision{
		AllowDrive:   allow,
		FaultLatched: m.faultLatched,
		Alarms:       m.alarms,
		CommLoss:     m.commLossTripped,
		SafeStop:     safeStop,
		Reason:       reason,
	}
}

// checkCommLoss watches the PLC heartbeat counter. A change on any tick
// refreshes the deadline and re-arms the episode; silence past the timeout
// while remote control is enabled reports loss.
func (m *Manager) checkCommLoss(now time.Time, in Input) bool {
	if in.Heartbeat != m.lastHeartbeat || !m.heartbeatSeen {
		m.lastHeartbeat = in.Heartbeat
		m.lastHeartbeatAt = now
		m.heartbeatSeen = true
		if m.commLossTripped {
			m.commLossTripped = false
			m.alarms &^= regmap.AlarmCommLoss
			log.Printf("safety: PLC heartbeat recovered")
		}
		return false
	}
	if !in.RemoteEnable {
		return false
	}
	return now.Sub(m.lastHeartbeatAt) > m.timeout
}

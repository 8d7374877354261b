// Package state implements the operating state machine of the instrument.
// Only transitions listed in the table are accepted; everything else is a
// logged no-op, so an out-of-order command can never corrupt the device state.
package state

import (
	"log"
	"time"
)

// State is an operating state of the device.
type State int

const (
	Boot State = iota
	SelfCheck
	Idle
	Sweeping
	Locking
	Running
	Paused
	Fault
)

var stateNames = map[State]string{
	Boot:      "BOOT",
	SelfCheck: "SELF_CHECK",
	Idle:      "IDLE",
	Sweeping:  "SWEEPING",
	Locking:   "LOCKING",
	Running:   "RUNNING",
	Paused:    "PAUSED",
	Fault:     "FAULT",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Event names a transition trigger.
type Event string

const (
	EvStart        Event = "START"
	EvStop         Event = "STOP"
	EvPause        Event = "PAUSE"
	EvResume       Event = "RESUME"
	EvSweepDone    Event = "SWEEP_DONE"
	EvLockAcquired Event = "LOCK_ACQUIRED"
	EvLockLost     Event = "LOCK_LOST"
	EvFault        Event = "FAULT"
	EvAlarmReset   Event = "ALARM_RESET"
)

// Transition describes the result of handling an event.
type Transition struct {
	From    State
	To      State
	Changed bool
	Reason  string
}

// Machine is the finite-state model of device operation. It is driven from
// the control loop only and needs no locking of its own.
type Machine struct {
	state       State
	lastReason  string
	selfCheckAt time.Time

	// onEnterFault runs as a side effect of any transition into Fault, so
	// the caller cannot forget to force the drive into its safe state.
	onEnterFault func(reason string)

	selfCheckDelay time.Duration
}

// New creates a machine in BOOT. onEnterFault may be nil.
func New(onEnterFault func(reason string)) *Machine {
	return &Machine{
		state:          Boot,
		lastReason:     "init",
		onEnterFault:   onEnterFault,
		selfCheckDelay: 100 * time.Millisecond,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return m.state
}

// LastReason returns the reason recorded with the most recent transition.
func (m *Machine) LastReason() string {
	return m.lastReason
}

// IsRunning reports whether the device is actively measuring or acquiring.
func (m *Machine) IsRunning() bool {
	switch m.state {
	case Sweeping, Locking, Running:
		return true
	}
	return false
}

// Tick advances the transient startup states. BOOT moves to SELF_CHECK
// immediately; SELF_CHECK moves to IDLE once the diagnostics window has
// elapsed. The diagnostics themselves run in the control loop, which raises
// FAULT if an item fails before the window closes. Called once per loop
// iteration.
func (m *Machine) Tick(dt time.Duration, now time.Time) Transition {
	switch m.state {
	case Boot:
		m.selfCheckAt = now.Add(m.selfCheckDelay)
		return m.transition(SelfCheck, "boot_complete")
	case SelfCheck:
		if !now.Before(m.selfCheckAt) {
			return m.transition(Idle, "self_check_pass")
		}
	}
	return Transition{From: m.state, To: m.state}
}

// Handle applies an external or internal event. An event not valid for the
// current state leaves the state unchanged.
func (m *Machine) Handle(ev Event, reason string) Transition {
	// Global transitions first: FAULT is reachable from any non-terminal
	// state, STOP returns to IDLE from anywhere.
	switch ev {
	case EvFault:
		if m.state == Fault {
			break
		}
		if reason == "" {
			reason = "fault"
		}
		return m.transition(Fault, reason)
	case EvStop:
		if m.state == Idle {
			break
		}
		return m.transition(Idle, "stop_command")
	}

	switch m.state {
	case Idle:
		if ev == EvStart {
			return m.transition(Sweeping, "start_command")
		}
	case Sweeping:
		if ev == EvSweepDone {
			return m.transition(Locking, "sweep_done")
		}
	case Locking:
		if ev == EvLockAcquired {
			return m.transition(Running, "lock_acquired")
		}
	case Running:
		switch ev {
		case EvPause:
			return m.transition(Paused, "pause_command")
		case EvLockLost:
			return m.transition(Locking, "lock_lost")
		}
	case Paused:
		if ev == EvResume || ev == EvStart {
			return m.transition(Running, "resume_command")
		}
	case Fault:
		if ev == EvAlarmReset {
			return m.transition(Idle, "fault_reset")
		}
	}

	log.Printf("state: ignoring event %s in state %s", ev, m.state)
	return Transition{From: m.state, To: m.state, Reason: "ignored"}
}

func (m *Machine) transition(to State, reason string) Transition {
	from := m.state
	m.state = to
	m.lastReason = reason
	if to == Fault && m.onEnterFault != nil {
		m.onEnterFault(reason)
	}
	return Transition{From: from, To: to, Changed: from != to, Reason: reason}
}

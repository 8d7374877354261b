// Package orchestrator runs the fixed-rate control loop. Each tick it reads
// the driver, advances the state machine, computes and applies drive
// setpoints, demodulates the pickup, derives viscosity and health, evaluates
// safety and publishes an immutable frame.
package orchestrator

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/driver"
	"github.com/lalitmahajn/Viscosity/pkg/dsp"
	"github.com/lalitmahajn/Viscosity/pkg/regmap"
	"github.com/lalitmahajn/Viscosity/pkg/safety"
	"github.com/lalitmahajn/Viscosity/pkg/state"
	"github.com/lalitmahajn/Viscosity/pkg/viscosity"
)

// Control source values for the register map.
const (
	SourceLocal uint16 = 0
	SourcePLC   uint16 = 1
)

// Orchestrator owns the control loop. All engine calls happen on the loop
// goroutine; the only cross-goroutine surfaces are the frame slot, the
// register bank and the command channel.
type Orchestrator struct {
	cfg  *config.Config
	dev  driver.Device
	gate driver.Gate
	bank *regmap.Bank

	commands <-chan regmap.Command

	machine *state.Machine
	safe    *safety.Manager
	lockin  *dsp.LockIn
	sweep   *dsp.SweepTracker
	health  *dsp.HealthScorer
	model   *viscosity.Model
	ramp    *driver.Ramp

	mu     sync.RWMutex
	latest Frame

	mode          uint16
	controlSource uint16
	remoteEnable  bool

	selfCheckFailed bool

	driveFreqHz float64
	prevFreqHz  float64
	appliedFreq float64
	appliedDuty float64

	dropouts      int
	dropoutWindow time.Time
	commLoss      bool
}

// New wires an orchestrator. Commands arriving on the channel are applied once
// per tick and acknowledged through the bank.
func New(cfg *config.Config, dev driver.Device, gate driver.Gate, bank *regmap.Bank, commands <-chan regmap.Command) *Orchestrator {
	o := &Orchestrator{
		cfg:           cfg,
		dev:           dev,
		gate:          gate,
		bank:          bank,
		commands:      commands,
		safe:          safety.New(cfg.Drive, cfg.Safety),
		lockin:        dsp.NewLockIn(cfg.App.SampleRateHz, cfg.DSP.TargetFreqHz, cfg.DSP.LockinTau),
		sweep:         dsp.NewSweepTracker(cfg.DSP.SweepDwell, cfg.DSP.PhaseTargetDeg, cfg.DSP.NudgeGain, cfg.DSP.MaxNudgeHz),
		health:        dsp.NewHealthScorer(cfg.Health),
		model:         viscosity.NewModel(cfg.Model),
		ramp:          driver.NewRamp(cfg.Drive.RampStep, cfg.Drive.RampInterval),
		controlSource: SourcePLC,
		remoteEnable:  cfg.Safety.RemoteEnable,
		driveFreqHz:   cfg.DSP.TargetFreqHz,
	}
	o.machine = state.New(o.onEnterFault)
	return o
}

// Latest returns the most recently published frame.
func (o *Orchestrator) Latest() Frame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest
}

// onEnterFault is the state machine hook: drive output is forced safe as a
// side effect of the transition itself.
func (o *Orchestrator) onEnterFault(reason string) {
	o.ramp.Cut()
	if err := o.dev.Stop(); err != nil {
		log.Printf("orchestrator: stop on fault entry failed: %v", err)
	}
	log.Printf("orchestrator: fault entered: %s", reason)
}

// Run executes the loop until the context is cancelled, then performs one
// final safe-stop iteration.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.App.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("orchestrator: loop started, tick=%v sample_rate=%vHz", interval, o.cfg.App.SampleRateHz)

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			o.tick(now, dt)

			if elapsed := time.Since(now); elapsed > interval {
				log.Printf("orchestrator: tick overrun: %v > %v", elapsed, interval)
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.ramp.Cut()
	if err := o.dev.Stop(); err != nil {
		log.Printf("orchestrator: stop on shutdown failed: %v", err)
	}
	o.machine.Handle(state.EvStop, "shutdown")
	o.publish(time.Now(), dsp.Demod{}, viscosity.Result{}, dsp.HealthScore{}, safety.Decision{})
	log.Printf("orchestrator: loop stopped")
}

// tick runs one loop iteration in the fixed order: driver reads, state
// machine, commands, drive setpoints, drive write, demodulation, viscosity
// and health, safety, frame publish.
func (o *Orchestrator) tick(now time.Time, dt time.Duration) {
	sample, sampleErr := o.dev.ReadSampleVolts()
	if sampleErr != nil {
		log.Printf("orchestrator: sample read failed: %v", sampleErr)
	}
	tempC, tempErr := o.dev.ReadTempC()
	if tempErr != nil {
		log.Printf("orchestrator: temperature read failed: %v", tempErr)
	}

	if st := o.machine.Current(); st == state.Boot || st == state.SelfCheck {
		o.runSelfCheck(sampleErr, tempErr)
	}
	o.machine.Tick(dt, now)
	o.drainCommands()

	o.prevFreqHz = o.driveFreqHz
	o.updateSetpoints(now, dt)
	o.applyDrive(now)

	demod := o.lockin.Output()
	if sampleErr == nil {
		demod = o.lockin.Update(sample)
	}

	if o.machine.Current() == state.Sweeping && !o.sweep.IsComplete() {
		o.sweep.SubmitPoint(o.driveFreqHz, demod.Magnitude, demod.PhaseDeg)
	}

	o.checkLock(demod)

	visc := o.model.Compute(demod.Magnitude, tempC, tempErr == nil)

	score := o.health.Compute(dsp.HealthInput{
		Magnitude:    demod.Magnitude,
		NoiseFloor:   o.cfg.DSP.LockMinMagnitude,
		Locked:       o.machine.Current() == state.Running,
		FreqJumpHz:   math.Abs(o.driveFreqHz - o.prevFreqHz),
		Dropouts:     o.dropoutCount(now),
		ADCOK:        sampleErr == nil,
		TempOK:       tempErr == nil,
		FaultLatched: o.safe.FaultLatched(),
		ActiveAlarms: activeBits(o.safe.Alarms()),
	})

	decision := o.safe.Check(now, safety.Input{
		ADCOK:        sampleErr == nil,
		TempOK:       tempErr == nil,
		TempC:        tempC,
		Duty:         o.ramp.Current(),
		Heartbeat:    o.bank.GetU16(regmap.RegHeartbeatIn),
		RemoteEnable: o.remoteEnable,
	})
	o.commLoss = decision.CommLoss
	if !decision.AllowDrive && o.machine.Current() != state.Fault {
		o.machine.Handle(state.EvFault, decision.Reason)
	}

	frame := o.assemble(now, tempC, demod, visc, score, decision)
	o.publishFrame(frame)
}

// runSelfCheck evaluates the startup diagnostics. Every item must hold on
// every tick of the startup states; the first failure latches the self-check
// bit and faults instead of letting the machine proceed to IDLE.
func (o *Orchestrator) runSelfCheck(sampleErr, tempErr error) {
	checks := []struct {
		name string
		ok   bool
	}{
		{"device_connected", o.dev.IsConnected()},
		{"adc_read", sampleErr == nil},
		{"temp_read", tempErr == nil},
	}
	for _, c := range checks {
		if !c.ok {
			o.selfCheckFailed = true
			log.Printf("orchestrator: self check item %q failed", c.name)
			o.machine.Handle(state.EvFault, "self_check_failed")
			return
		}
	}
}

// updateSetpoints computes the drive frequency and duty target for the
// current state.
func (o *Orchestrator) updateSetpoints(now time.Time, dt time.Duration) {
	switch o.machine.Current() {
	case state.Sweeping:
		if o.sweep.IsComplete() {
			best, ok := o.sweep.BestFreqHz()
			if !ok {
				o.machine.Handle(state.EvFault, "sweep_no_signal")
				return
			}
			o.setFreq(best)
			log.Printf("orchestrator: sweep complete, resonance at %.4f Hz", best)
			o.machine.Handle(state.EvSweepDone, "sweep_complete")
			return
		}
		o.setFreq(o.sweep.CurrentFreq(now))
		o.ramp.SetTarget(o.cfg.Drive.StartDuty)

	case state.Locking:
		o.ramp.SetTarget(o.cfg.Drive.StartDuty)

	case state.Running:
		next := o.sweep.Track(o.driveFreqHz, o.lockin.Output().PhaseDeg, dt)
		o.setFreq(next)
		o.ramp.SetTarget(o.cfg.Drive.StartDuty)

	case state.Paused:
		o.ramp.SetTarget(0)

	default:
		o.ramp.SetTarget(0)
	}
}

func (o *Orchestrator) setFreq(hz float64) {
	if hz <= 0 || hz == o.driveFreqHz {
		return
	}
	o.driveFreqHz = hz
	o.lockin.SetRefFreq(hz)
}

// applyDrive pushes frequency and duty setpoints to the hardware when they
// change. A write failure is a fault.
func (o *Orchestrator) applyDrive(now time.Time) {
	if o.driveFreqHz != o.appliedFreq && o.driveFreqHz > 0 {
		if err := o.dev.SetFrequency(o.driveFreqHz); err != nil {
			log.Printf("orchestrator: set frequency failed: %v", err)
			o.machine.Handle(state.EvFault, "drive_write_failed")
			return
		}
		o.appliedFreq = o.driveFreqHz
	}

	duty := o.ramp.Next(now)
	if duty != o.appliedDuty {
		if err := o.dev.SetDuty(duty); err != nil {
			log.Printf("orchestrator: set duty failed: %v", err)
			o.machine.Handle(state.EvFault, "drive_write_failed")
			return
		}
		o.appliedDuty = duty
	}
}

// checkLock watches the demodulated magnitude for lock acquisition and
// dropouts.
func (o *Orchestrator) checkLock(demod dsp.Demod) {
	threshold := o.cfg.DSP.LockMinMagnitude
	switch o.machine.Current() {
	case state.Locking:
		if demod.Magnitude >= threshold {
			o.safe.ClearLostLock()
			o.machine.Handle(state.EvLockAcquired, "magnitude_above_threshold")
		}
	case state.Running:
		if demod.Magnitude < threshold {
			o.noteDropout()
			o.safe.NoteLostLock()
			o.machine.Handle(state.EvLockLost, "magnitude_below_threshold")
		}
	}
}

func (o *Orchestrator) noteDropout() {
	o.dropouts++
	log.Printf("orchestrator: lock dropout (%d in current window)", o.dropouts)
}

// dropoutCount returns dropouts in the trailing minute, resetting the window
// as it expires.
func (o *Orchestrator) dropoutCount(now time.Time) int {
	if o.dropoutWindow.IsZero() {
		o.dropoutWindow = now
	}
	if now.Sub(o.dropoutWindow) >= time.Minute {
		o.dropoutWindow = now
		o.dropouts = 0
	}
	return o.dropouts
}

// drainCommands applies at most the commands available at poll time.
func (o *Orchestrator) drainCommands() {
	for {
		select {
		case cmd := <-o.commands:
			o.applyCommand(cmd)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyCommand(cmd regmap.Command) {
	ack := func(result uint16, detail int16) {
		regmap.AckCommand(o.bank, cmd, result, detail)
	}

	switch cmd.Code {
	case regmap.CmdStart:
		if !o.gate.IsAllowedToRun() {
			log.Printf("orchestrator: start refused, commissioning gate closed")
			ack(regmap.ResultErr, regmap.DetailRejected)
			return
		}
		tr := o.machine.Handle(state.EvStart, "start_command")
		if !tr.Changed {
			ack(regmap.ResultErr, regmap.DetailRejected)
			return
		}
		if tr.To == state.Sweeping {
			o.beginSweep()
		}
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdStop:
		o.machine.Handle(state.EvStop, "stop_command")
		o.ramp.SetTarget(0)
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdPause:
		if tr := o.machine.Handle(state.EvPause, "pause_command"); !tr.Changed {
			ack(regmap.ResultErr, regmap.DetailRejected)
			return
		}
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdResume:
		if tr := o.machine.Handle(state.EvResume, "resume_command"); !tr.Changed {
			ack(regmap.ResultErr, regmap.DetailRejected)
			return
		}
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdResetAlarms:
		o.selfCheckFailed = false
		o.safe.ResetAlarms()
		o.machine.Handle(state.EvAlarmReset, "alarm_reset")
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdSetMode:
		o.mode = uint16(cmd.Param1)
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdSetControlSource:
		o.controlSource = uint16(cmd.Param1)
		ack(regmap.ResultOK, regmap.DetailOK)

	case regmap.CmdSetRemoteEnable:
		o.remoteEnable = cmd.Param1 == 1
		ack(regmap.ResultOK, regmap.DetailOK)

	default:
		// The protocol layer filters unknown codes; anything else arriving
		// here is a programming error on a local command source.
		log.Printf("orchestrator: unknown command code %d", cmd.Code)
		ack(regmap.ResultErr, regmap.DetailUnknownCommand)
	}
}

// beginSweep plans a fresh sweep session around the configured target.
func (o *Orchestrator) beginSweep() {
	o.sweep.ResetSweep()
	o.sweep.Plan(o.cfg.DSP.TargetFreqHz, o.cfg.DSP.SweepSpanHz, o.cfg.DSP.SweepStepHz)
	o.ramp.SetTarget(o.cfg.Drive.StartDuty)
	log.Printf("orchestrator: sweep planned, %d points around %.2f Hz", o.sweep.PlannedCount(), o.cfg.DSP.TargetFreqHz)
}

// assemble builds the immutable frame for this tick.
func (o *Orchestrator) assemble(now time.Time, tempC float64, demod dsp.Demod, visc viscosity.Result, score dsp.HealthScore, decision safety.Decision) Frame {
	st := o.machine.Current()

	var status uint16
	switch st {
	case state.Sweeping:
		status |= regmap.StatusSweeping
	case state.Locking:
		status |= regmap.StatusLocking
	case state.Running:
		status |= regmap.StatusLocked
	case state.Paused:
		status |= regmap.StatusPaused
	}
	if st != state.Boot && st != state.SelfCheck && st != state.Fault {
		status |= regmap.StatusSystemReady
	}
	if o.selfCheckFailed {
		status |= regmap.StatusSelfCheckFail
	}
	if decision.FaultLatched {
		status |= regmap.StatusFaultLatched
	}
	if o.remoteEnable {
		status |= regmap.StatusRemoteEnabled
		if !o.commLoss {
			status |= regmap.StatusRemoteActive
		}
	}
	if o.commLoss {
		status |= regmap.StatusCommLoss
	}

	return Frame{
		Timestamp:      now,
		ViscosityCP:    visc.RefCP,
		ViscosityRawCP: visc.RawCP,
		TempC:          tempC,
		FreqHz:         o.driveFreqHz,
		Magnitude:      demod.Magnitude,
		PhaseDeg:       demod.PhaseDeg,
		Health:         score.Total,
		Quality:        o.qualityBand(score.Total),
		Mode:           o.mode,
		ControlSource:  o.controlSource,
		RemoteEnable:   o.remoteEnable,
		ActiveControl:  st == state.Running,
		State:          st.String(),
		Duty:           o.ramp.Current(),
		Status:         status,
		Alarms:         decision.Alarms,
	}
}

func (o *Orchestrator) publishFrame(f Frame) {
	o.mu.Lock()
	o.latest = f
	o.mu.Unlock()
	encodeFrame(o.bank, f)
}

func (o *Orchestrator) publish(now time.Time, demod dsp.Demod, visc viscosity.Result, score dsp.HealthScore, decision safety.Decision) {
	o.publishFrame(o.assemble(now, 0, demod, visc, score, decision))
}

// qualityBand classifies a health score against the configured confidence
// thresholds.
func (o *Orchestrator) qualityBand(total float64) uint16 {
	switch {
	case total >= o.cfg.Health.MinConfidenceGood:
		return regmap.QualityGood
	case total >= o.cfg.Health.MinConfidenceOK:
		return regmap.QualityOK
	default:
		return regmap.QualityPoor
	}
}

// activeBits counts set bits in an alarm word.
func activeBits(v uint16) int {
	n := 0
	for ; v != 0; v &= v - 1 {
		n++
	}
	return n
}

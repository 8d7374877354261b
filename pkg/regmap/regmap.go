// Package regmap defines the Modbus holding register layout shared between
// the control loop and the PLC interface, and the thread-safe bank backing it.
package regmap

import (
	"math"
	"sync"
)

// MappingVersion is published at RegMapVersion so a PLC program can verify it
// talks to a compatible layout.
const MappingVersion = 1

// BankSize is the number of holding registers in the bank. The address set is
// fixed and never grows at runtime.
const BankSize = 64

// Register addresses (0-based holding registers).
const (
	RegMapVersion   = 0
	RegHeartbeatOut = 1
	RegStatusWord   = 2
	RegAlarmWord    = 3

	RegViscosityX100I32 = 4 // occupies 4-5
	RegTempX100I16      = 6
	RegFreqX100I16      = 7
	RegHealthU16        = 8
	RegQualityU16       = 9

	RegMode          = 10
	RegControlSource = 11
	RegRemoteEnable  = 12
	RegActiveControl = 13

	RegLastCmdSeq    = 14
	RegCmdResult     = 15
	RegCmdResultCode = 16

	// Command input area (PLC writes, device reads).
	RegCmdSeqIn  = 20
	RegCmdCodeIn = 21
	RegCmdParam1 = 22
	RegCmdParam2 = 23
	RegCmdParam3 = 24

	RegHeartbeatIn = 30

	// Float32 pairs, high word first.
	RegViscosityF32  = 50 // 50-51
	RegTempF32       = 52 // 52-53
	RegFreqF32       = 54 // 54-55
	RegMagnitudeF32  = 56 // 56-57
	RegConfidenceF32 = 58 // 58-59
)

// Status word bits.
const (
	StatusSystemReady   = 1 << 0
	StatusSelfCheckFail = 1 << 1
	StatusSweeping      = 1 << 2
	StatusLocking       = 1 << 3
	StatusLocked        = 1 << 4
	StatusPaused        = 1 << 5
	StatusFaultLatched  = 1 << 6
	StatusRemoteEnabled = 1 << 7
	StatusRemoteActive  = 1 << 8
	StatusCommLoss      = 1 << 9
)

// Alarm word bits.
const (
	AlarmADCFault    = 1 << 0
	AlarmTempFault   = 1 << 1
	AlarmOvercurrent = 1 << 2
	AlarmOverheat    = 1 << 3
	AlarmSignalClip  = 1 << 4
	AlarmLostLock    = 1 << 5
	AlarmConfig      = 1 << 6
	AlarmCommLoss    = 1 << 7
)

// Measurement quality bands published at RegQualityU16, derived from the
// health score and the configured confidence thresholds.
const (
	QualityPoor = 0
	QualityOK   = 1
	QualityGood = 2
)

// Command codes (PLC -> device).
const (
	CmdNone        = 0
	CmdStart       = 1
	CmdStop        = 2
	CmdPause       = 3
	CmdResume      = 4
	CmdResetAlarms = 5

	CmdSetMode          = 10
	CmdSetControlSource = 11
	CmdSetRemoteEnable  = 12
)

// Command result values for RegCmdResult.
const (
	ResultIdle = 0
	ResultOK   = 1
	ResultErr  = 2
)

// Result detail codes written to RegCmdResultCode (signed). Negative values
// indicate rejection per the protocol error contract.
const (
	DetailOK             = 0
	DetailUnknownCommand = -1
	DetailBadParam       = -2
	DetailRejected       = -3
)

// Bank is a fixed-size holding register bank. All access is serialized under a
// single mutex so multi-word values (float32 pairs, int32) are never observed
// half-written. The lock is never held across blocking calls.
type Bank struct {
	mu   sync.Mutex
	regs [BankSize]uint16
}

// NewBank creates a bank with the mapping version pre-populated.
func NewBank() *Bank {
	b := &Bank{}
	b.regs[RegMapVersion] = MappingVersion
	return b
}

// GetU16 returns the raw word at addr.
func (b *Bank) GetU16(addr int) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr]
}

// SetU16 stores a raw word at addr.
func (b *Bank) SetU16(addr int, v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = v
}

// SetRange stores consecutive words starting at addr under one lock
// acquisition, so a multi-word write (a command with its sequence, code and
// parameters) is never observed half-applied by a concurrent reader.
func (b *Bank) SetRange(addr int, values []uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.regs[addr:addr+len(values)], values)
}

// GetI16 returns the word at addr interpreted as signed.
func (b *Bank) GetI16(addr int) int16 {
	return int16(b.GetU16(addr))
}

// SetI16 stores a signed value at addr.
func (b *Bank) SetI16(addr int, v int16) {
	b.SetU16(addr, uint16(v))
}

// SetI32 stores a 32-bit signed value across addr and addr+1, high word first.
func (b *Bank) SetI32(addr int, v int32) {
	u := uint32(v)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = uint16(u >> 16)
	b.regs[addr+1] = uint16(u)
}

// GetI32 reads a 32-bit signed value from addr and addr+1.
func (b *Bank) GetI32(addr int) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int32(uint32(b.regs[addr])<<16 | uint32(b.regs[addr+1]))
}

// SetF32 stores an IEEE-754 float32 across addr and addr+1, high word first.
func (b *Bank) SetF32(addr int, v float32) {
	hi, lo := F32ToU16Pair(v)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = hi
	b.regs[addr+1] = lo
}

// GetF32 reads an IEEE-754 float32 from addr and addr+1.
func (b *Bank) GetF32(addr int) float32 {
	b.mu.Lock()
	hi, lo := b.regs[addr], b.regs[addr+1]
	b.mu.Unlock()
	return U16PairToF32(hi, lo)
}

// BumpHeartbeat increments the device heartbeat register, wrapping at 16 bits,
// and returns the new value.
func (b *Bank) BumpHeartbeat() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[RegHeartbeatOut]++
	return b.regs[RegHeartbeatOut]
}

// Snapshot returns a copy of the full bank contents.
func (b *Bank) Snapshot() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, BankSize)
	copy(out, b.regs[:])
	return out
}

// F32ToU16Pair splits a float32 into two registers using IEEE-754 big-endian
// byte order, high word first.
func F32ToU16Pair(v float32) (hi, lo uint16) {
	bits := math.Float32bits(v)
	return uint16(bits >> 16), uint16(bits)
}

// U16PairToF32 reassembles a float32 from two registers. The round trip is
// bit-exact for every finite value.
func U16PairToF32(hi, lo uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

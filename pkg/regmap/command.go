package regmap

// Command is a decoded PLC command from the register input area.
type Command struct {
	Seq    uint16
	Code   uint16
	Param1 int16
	Param2 int16
	Param3 int16
}

// Handshake implements the replay-safe command handshake. The device keeps the
// last seen sequence value in memory, not in a register; any change of the
// sequence register (increment or wraparound) yields exactly one command.
type Handshake struct {
	lastSeq uint16
}

// NewHandshake returns a handshake primed with the current value of the
// sequence register so a stale command left over from a previous session is
// not replayed on startup.
func NewHandshake(b *Bank) *Handshake {
	return &Handshake{lastSeq: b.GetU16(RegCmdSeqIn)}
}

// Poll checks the bank for a new command. It returns the decoded command and
// true when the sequence register differs from the last seen value, consuming
// the change so the same sequence is never executed twice.
func (h *Handshake) Poll(b *Bank) (Command, bool) {
	b.mu.Lock()
	seq := b.regs[RegCmdSeqIn]
	if seq == h.lastSeq {
		b.mu.Unlock()
		return Command{}, false
	}
	cmd := Command{
		Seq:    seq,
		Code:   b.regs[RegCmdCodeIn],
		Param1: int16(b.regs[RegCmdParam1]),
		Param2: int16(b.regs[RegCmdParam2]),
		Param3: int16(b.regs[RegCmdParam3]),
	}
	b.mu.Unlock()

	h.lastSeq = seq
	return cmd, true
}

// AckCommand writes the handshake response: the echoed sequence, the coarse
// result and the signed detail code. It is separate from Handshake because
// acknowledgment happens after execution, in the control loop.
func AckCommand(b *Bank, cmd Command, result uint16, detail int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[RegLastCmdSeq] = cmd.Seq
	b.regs[RegCmdResult] = result
	b.regs[RegCmdResultCode] = uint16(detail)
}

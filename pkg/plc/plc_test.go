package plc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/regmap"
)

func newTestServer(queueSize int) (*Server, *regmap.Bank, chan regmap.Command) {
	bank := regmap.NewBank()
	commands := make(chan regmap.Command, queueSize)
	s := New(config.Default().Modbus, bank, commands)
	return s, bank, commands
}

func readFrame(start, count uint16) mbserver.Framer {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], count)
	return &mbserver.TCPFrame{Function: 3, Data: data}
}

func writeSingleFrame(addr, value uint16) mbserver.Framer {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return &mbserver.TCPFrame{Function: 6, Data: data}
}

func writeMultipleFrame(start uint16, values []uint16) mbserver.Framer {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:7+2*i], v)
	}
	return &mbserver.TCPFrame{Function: 16, Data: data}
}

func TestReadRegisters(t *testing.T) {
	s, bank, _ := newTestServer(4)
	bank.SetU16(regmap.RegStatusWord, 0x0011)
	bank.SetU16(regmap.RegAlarmWord, 0x0002)

	out, exc := s.readRegisters(nil, readFrame(regmap.RegStatusWord, 2))
	require.Equal(t, &mbserver.Success, exc)
	require.Equal(t, byte(4), out[0])
	assert.Equal(t, uint16(0x0011), binary.BigEndian.Uint16(out[1:3]))
	assert.Equal(t, uint16(0x0002), binary.BigEndian.Uint16(out[3:5]))
}

func TestReadRegistersMapVersion(t *testing.T) {
	s, _, _ := newTestServer(4)
	out, exc := s.readRegisters(nil, readFrame(regmap.RegMapVersion, 1))
	require.Equal(t, &mbserver.Success, exc)
	assert.Equal(t, uint16(regmap.MappingVersion), binary.BigEndian.Uint16(out[1:3]))
}

func TestReadRegistersBounds(t *testing.T) {
	s, _, _ := newTestServer(4)

	_, exc := s.readRegisters(nil, readFrame(regmap.BankSize-1, 2))
	assert.Equal(t, &mbserver.IllegalDataAddress, exc)

	_, exc = s.readRegisters(nil, readFrame(0, 0))
	assert.Equal(t, &mbserver.IllegalDataAddress, exc)

	_, exc = s.readRegisters(nil, readFrame(0, regmap.BankSize))
	assert.Equal(t, &mbserver.Success, exc)
}

func TestWriteSingleRegister(t *testing.T) {
	s, bank, _ := newTestServer(4)

	_, exc := s.writeSingleRegister(nil, writeSingleFrame(regmap.RegHeartbeatIn, 42))
	require.Equal(t, &mbserver.Success, exc)
	assert.Equal(t, uint16(42), bank.GetU16(regmap.RegHeartbeatIn))
}

func TestWriteOutsideCommandAreaRejected(t *testing.T) {
	s, bank, _ := newTestServer(4)

	for _, addr := range []uint16{
		regmap.RegStatusWord,
		regmap.RegAlarmWord,
		regmap.RegViscosityX100I32,
		regmap.RegLastCmdSeq,
		regmap.RegRemoteEnable,
	} {
		_, exc := s.writeSingleRegister(nil, writeSingleFrame(addr, 99))
		assert.Equal(t, &mbserver.IllegalDataAddress, exc, "addr %d", addr)
		assert.NotEqual(t, uint16(99), bank.GetU16(int(addr)), "addr %d", addr)
	}
}

func TestWriteMultipleRegisters(t *testing.T) {
	s, bank, _ := newTestServer(4)

	// Whole command frame in one write: seq, code, param1-3.
	_, exc := s.writeMultipleRegisters(nil, writeMultipleFrame(regmap.RegCmdSeqIn, []uint16{1, regmap.CmdStart, 0, 0, 0}))
	require.Equal(t, &mbserver.Success, exc)
	assert.Equal(t, uint16(1), bank.GetU16(regmap.RegCmdSeqIn))
	assert.Equal(t, uint16(regmap.CmdStart), bank.GetU16(regmap.RegCmdCodeIn))
}

func TestWriteMultipleSpanningProtectedRegionRejected(t *testing.T) {
	s, bank, _ := newTestServer(4)

	// 20..25: last register is outside the command area, nothing is written.
	_, exc := s.writeMultipleRegisters(nil, writeMultipleFrame(regmap.RegCmdSeqIn, []uint16{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, &mbserver.IllegalDataAddress, exc)
	assert.Zero(t, bank.GetU16(regmap.RegCmdSeqIn))
}

func TestWriteMultipleByteCountMismatch(t *testing.T) {
	s, _, _ := newTestServer(4)
	frame := writeMultipleFrame(regmap.RegCmdSeqIn, []uint16{1, 2})
	frame.(*mbserver.TCPFrame).Data[4] = 7
	_, exc := s.writeMultipleRegisters(nil, frame)
	assert.Equal(t, &mbserver.IllegalDataValue, exc)
}

func submitCommand(bank *regmap.Bank, seq, code uint16, p1 int16) {
	bank.SetU16(regmap.RegCmdCodeIn, code)
	bank.SetI16(regmap.RegCmdParam1, p1)
	bank.SetU16(regmap.RegCmdSeqIn, seq)
}

func TestPollCommandEnqueuesValid(t *testing.T) {
	s, bank, commands := newTestServer(4)

	submitCommand(bank, 1, regmap.CmdStart, 0)
	s.pollCommand()

	require.Len(t, commands, 1)
	cmd := <-commands
	assert.Equal(t, uint16(1), cmd.Seq)
	assert.Equal(t, uint16(regmap.CmdStart), cmd.Code)

	// Same sequence again: no new execution.
	s.pollCommand()
	assert.Empty(t, commands)
}

func TestPollCommandRejectsUnknownCode(t *testing.T) {
	s, bank, commands := newTestServer(4)

	submitCommand(bank, 1, 999, 0)
	s.pollCommand()

	assert.Empty(t, commands)
	assert.Equal(t, uint16(1), bank.GetU16(regmap.RegLastCmdSeq))
	assert.Equal(t, uint16(regmap.ResultErr), bank.GetU16(regmap.RegCmdResult))
	assert.Equal(t, int16(regmap.DetailUnknownCommand), bank.GetI16(regmap.RegCmdResultCode))
}

func TestPollCommandRejectsBadParam(t *testing.T) {
	s, bank, commands := newTestServer(4)

	submitCommand(bank, 1, regmap.CmdSetRemoteEnable, 5)
	s.pollCommand()

	assert.Empty(t, commands)
	assert.Equal(t, int16(regmap.DetailBadParam), bank.GetI16(regmap.RegCmdResultCode))
}

func TestPollCommandQueueFull(t *testing.T) {
	s, bank, commands := newTestServer(1)

	submitCommand(bank, 1, regmap.CmdStart, 0)
	s.pollCommand()
	require.Len(t, commands, 1)

	submitCommand(bank, 2, regmap.CmdStop, 0)
	s.pollCommand()

	assert.Len(t, commands, 1)
	assert.Equal(t, int16(regmap.DetailRejected), bank.GetI16(regmap.RegCmdResultCode))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  regmap.Command
		want int
	}{
		{"start", regmap.Command{Code: regmap.CmdStart}, regmap.DetailOK},
		{"reset alarms", regmap.Command{Code: regmap.CmdResetAlarms}, regmap.DetailOK},
		{"set mode valid", regmap.Command{Code: regmap.CmdSetMode, Param1: 2}, regmap.DetailOK},
		{"set mode out of range", regmap.Command{Code: regmap.CmdSetMode, Param1: 3}, regmap.DetailBadParam},
		{"set mode negative", regmap.Command{Code: regmap.CmdSetMode, Param1: -1}, regmap.DetailBadParam},
		{"control source local", regmap.Command{Code: regmap.CmdSetControlSource, Param1: 0}, regmap.DetailOK},
		{"control source plc", regmap.Command{Code: regmap.CmdSetControlSource, Param1: 1}, regmap.DetailOK},
		{"control source junk", regmap.Command{Code: regmap.CmdSetControlSource, Param1: 2}, regmap.DetailBadParam},
		{"remote enable bool", regmap.Command{Code: regmap.CmdSetRemoteEnable, Param1: 1}, regmap.DetailOK},
		{"remote enable junk", regmap.Command{Code: regmap.CmdSetRemoteEnable, Param1: 2}, regmap.DetailBadParam},
		{"unknown", regmap.Command{Code: 77}, regmap.DetailUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validate(tt.cmd))
		})
	}
}

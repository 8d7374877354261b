// Package plc exposes the register bank to an industrial controller over
// Modbus TCP and feeds decoded PLC commands into the control loop.
package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/tbrandon/mbserver"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/regmap"
)

// maxReadCount is the Modbus limit for registers per read request.
const maxReadCount = 125

// Server bridges the register bank to a Modbus TCP endpoint. Reads are served
// straight from the bank; writes are only accepted into the controller-owned
// command area, keeping the single-writer rule per register region.
type Server struct {
	cfg      config.ModbusConfig
	bank     *regmap.Bank
	hs       *regmap.Handshake
	commands chan<- regmap.Command

	srv    *mbserver.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a PLC server over the shared bank. Accepted commands are pushed
// into the commands channel; the control loop acknowledges them after
// execution.
func New(cfg config.ModbusConfig, bank *regmap.Bank, commands chan<- regmap.Command) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		bank:     bank,
		hs:       regmap.NewHandshake(bank),
		commands: commands,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and starts the command poll loop.
func (s *Server) Start() error {
	srv := mbserver.NewServer()
	srv.RegisterFunctionHandler(3, s.readRegisters)
	srv.RegisterFunctionHandler(4, s.readRegisters)
	srv.RegisterFunctionHandler(6, s.writeSingleRegister)
	srv.RegisterFunctionHandler(16, s.writeMultipleRegisters)

	if err := srv.ListenTCP(s.cfg.Listen); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.srv = srv

	go s.pollLoop()

	log.Printf("plc: modbus server listening on %s", s.cfg.Listen)
	return nil
}

// Close stops the poll loop and the Modbus listener.
func (s *Server) Close() {
	s.cancel()
	if s.srv != nil {
		s.srv.Close()
	}
}

// pollLoop checks the command area at the configured sync period. The bank
// itself is always current, so only the handshake needs periodic attention.
func (s *Server) pollLoop() {
	period := s.cfg.SyncPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollCommand()
		}
	}
}

// pollCommand consumes at most one pending command per poll. Invalid commands
// are rejected here with a negative detail code; valid ones travel to the
// control loop, which acknowledges them after execution.
func (s *Server) pollCommand() {
	cmd, ok := s.hs.Poll(s.bank)
	if !ok {
		return
	}

	if detail := validate(cmd); detail != regmap.DetailOK {
		log.Printf("plc: rejecting command seq=%d code=%d detail=%d", cmd.Seq, cmd.Code, detail)
		regmap.AckCommand(s.bank, cmd, regmap.ResultErr, int16(detail))
		return
	}

	select {
	case s.commands <- cmd:
	default:
		log.Printf("plc: command queue full, rejecting seq=%d code=%d", cmd.Seq, cmd.Code)
		regmap.AckCommand(s.bank, cmd, regmap.ResultErr, regmap.DetailRejected)
	}
}

// validate checks the command code and parameter ranges.
func validate(cmd regmap.Command) int {
	switch cmd.Code {
	case regmap.CmdStart, regmap.CmdStop, regmap.CmdPause, regmap.CmdResume, regmap.CmdResetAlarms:
		return regmap.DetailOK
	case regmap.CmdSetMode:
		if cmd.Param1 < 0 || cmd.Param1 > 2 {
			return regmap.DetailBadParam
		}
		return regmap.DetailOK
	case regmap.CmdSetControlSource:
		if cmd.Param1 != 0 && cmd.Param1 != 1 {
			return regmap.DetailBadParam
		}
		return regmap.DetailOK
	case regmap.CmdSetRemoteEnable:
		if cmd.Param1 != 0 && cmd.Param1 != 1 {
			return regmap.DetailBadParam
		}
		return regmap.DetailOK
	default:
		return regmap.DetailUnknownCommand
	}
}

// writable reports whether the controller may write the given register.
func writable(addr int) bool {
	switch {
	case addr >= regmap.RegCmdSeqIn && addr <= regmap.RegCmdParam3:
		return true
	case addr == regmap.RegHeartbeatIn:
		return true
	default:
		return false
	}
}

func (s *Server) readRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	count := binary.BigEndian.Uint16(data[2:4])

	if count == 0 || count > maxReadCount || int(start)+int(count) > regmap.BankSize {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	snap := s.bank.Snapshot()
	out := make([]byte, 1, 1+2*count)
	out[0] = byte(2 * count)
	for i := uint16(0); i < count; i++ {
		out = binary.BigEndian.AppendUint16(out, snap[start+i])
	}
	return out, &mbserver.Success
}

func (s *Server) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if !writable(int(addr)) {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.bank.SetU16(int(addr), value)
	return data[0:4], &mbserver.Success
}

func (s *Server) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	count := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if byteCount != int(count)*2 || len(data) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := uint16(0); i < count; i++ {
		if !writable(int(start + i)) {
			return []byte{}, &mbserver.IllegalDataAddress
		}
	}

	// One bulk write: the command poller must never observe a new sequence
	// word alongside the previous command's code or parameters.
	values := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		values[i] = binary.BigEndian.Uint16(data[5+2*i : 7+2*i])
	}
	s.bank.SetRange(int(start), values)
	return data[0:4], &mbserver.Success
}

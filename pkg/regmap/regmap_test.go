package regmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestF32RoundTrip(t *testing.T) {
	values := []float32{
		0, 1, -1, 0.1, -0.1, 123.456, -9999.25,
		math.MaxFloat32, -math.MaxFloat32,
		math.SmallestNonzeroFloat32,
		1.0000001, 3.1415927, 179.8,
	}

	for _, v := range values {
		hi, lo := F32ToU16Pair(v)
		got := U16PairToF32(hi, lo)
		assert.Equal(t, math.Float32bits(v), math.Float32bits(got), "value %v", v)
	}
}

func TestF32BigEndianHighWordFirst(t *testing.T) {
	// 1.0 is 0x3F800000 in IEEE-754.
	hi, lo := F32ToU16Pair(1.0)
	assert.Equal(t, uint16(0x3F80), hi)
	assert.Equal(t, uint16(0x0000), lo)
}

func TestBankI32(t *testing.T) {
	b := NewBank()

	b.SetI32(RegViscosityX100I32, -123456)
	assert.Equal(t, int32(-123456), b.GetI32(RegViscosityX100I32))

	b.SetI32(RegViscosityX100I32, 2147483647)
	assert.Equal(t, int32(2147483647), b.GetI32(RegViscosityX100I32))
}

func TestBankI16(t *testing.T) {
	b := NewBank()
	b.SetI16(RegTempX100I16, -2550)
	assert.Equal(t, int16(-2550), b.GetI16(RegTempX100I16))
}

func TestBankMappingVersion(t *testing.T) {
	b := NewBank()
	assert.Equal(t, uint16(MappingVersion), b.GetU16(RegMapVersion))
}

func TestSetRangeWritesAllWords(t *testing.T) {
	b := NewBank()
	b.SetRange(RegCmdSeqIn, []uint16{5, CmdStart, 1, 2, 3})

	assert.Equal(t, uint16(5), b.GetU16(RegCmdSeqIn))
	assert.Equal(t, uint16(CmdStart), b.GetU16(RegCmdCodeIn))
	assert.Equal(t, uint16(1), b.GetU16(RegCmdParam1))
	assert.Equal(t, uint16(2), b.GetU16(RegCmdParam2))
	assert.Equal(t, uint16(3), b.GetU16(RegCmdParam3))
}

// A command written with SetRange must never be observed with the new
// sequence but a stale code, no matter how the poller interleaves with the
// writer. The code mirrors the sequence so a torn read is self-evident.
func TestPollNeverSeesTornCommandWrite(t *testing.T) {
	b := NewBank()
	h := NewHandshake(b)

	const writes = 20000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint16(1); seq <= writes; seq++ {
			b.SetRange(RegCmdSeqIn, []uint16{seq, seq})
		}
	}()

	for {
		if cmd, ok := h.Poll(b); ok {
			require.Equal(t, cmd.Seq, cmd.Code, "new sequence visible with stale code")
		}
		select {
		case <-done:
			if cmd, ok := h.Poll(b); ok {
				assert.Equal(t, cmd.Seq, cmd.Code)
			}
			return
		default:
		}
	}
}

func TestBumpHeartbeatWraps(t *testing.T) {
	b := NewBank()
	b.SetU16(RegHeartbeatOut, 0xFFFF)
	assert.Equal(t, uint16(0), b.BumpHeartbeat())
	assert.Equal(t, uint16(1), b.BumpHeartbeat())
}

func TestHandshake_NewCommandOnSeqChange(t *testing.T) {
	b := NewBank()
	h := NewHandshake(b)

	// No change: nothing to process.
	_, ok := h.Poll(b)
	assert.False(t, ok)

	b.SetU16(RegCmdSeqIn, 1)
	b.SetU16(RegCmdCodeIn, CmdStart)
	b.SetI16(RegCmdParam1, -5)

	cmd, ok := h.Poll(b)
	require.True(t, ok)
	assert.Equal(t, uint16(1), cmd.Seq)
	assert.Equal(t, uint16(CmdStart), cmd.Code)
	assert.Equal(t, int16(-5), cmd.Param1)

	// Same sequence resubmitted (network retransmission): ignored.
	_, ok = h.Poll(b)
	assert.False(t, ok)
	_, ok = h.Poll(b)
	assert.False(t, ok)
}

func TestHandshake_Wraparound(t *testing.T) {
	b := NewBank()
	b.SetU16(RegCmdSeqIn, 0xFFFF)
	h := NewHandshake(b)

	// Wrap back to zero counts as a change.
	b.SetU16(RegCmdSeqIn, 0)
	b.SetU16(RegCmdCodeIn, CmdStop)

	cmd, ok := h.Poll(b)
	require.True(t, ok)
	assert.Equal(t, uint16(0), cmd.Seq)

	_, ok = h.Poll(b)
	assert.False(t, ok)
}

func TestAckCommand(t *testing.T) {
	b := NewBank()
	h := NewHandshake(b)

	b.SetU16(RegCmdSeqIn, 7)
	b.SetU16(RegCmdCodeIn, 999) // unknown code
	cmd, ok := h.Poll(b)
	require.True(t, ok)

	AckCommand(b, cmd, ResultErr, DetailUnknownCommand)

	assert.Equal(t, uint16(7), b.GetU16(RegLastCmdSeq))
	assert.Equal(t, uint16(ResultErr), b.GetU16(RegCmdResult))
	assert.Equal(t, int16(DetailUnknownCommand), b.GetI16(RegCmdResultCode))
}

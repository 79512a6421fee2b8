package acquisition

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHeader(descLen, dataLen int32) []byte {
	buf := make([]byte, SiglentHeaderSize-DescriptorBlockOffset)
	var w bytes.Buffer
	w.Write(make([]byte, 36))
	binary.Write(&w, binary.LittleEndian, descLen)
	w.Write(make([]byte, 20))
	binary.Write(&w, binary.LittleEndian, dataLen)
	copy(buf, w.Bytes())
	return append(make([]byte, DescriptorBlockOffset), buf...)
}

func TestReadHeader_AssemblesAcrossShortReads(t *testing.T) {
	full := buildHeader(346, 1000)
	require.Len(t, full, SiglentHeaderSize)

	ctx := NewAcquisitionContext()

	// First poll only delivers 64 bytes (a single USBTMC packet).
	n, err := ctx.ReadHeader(&singleChunkTransport{data: full[:USBTMCMaxPacket]})
	require.NoError(t, err)
	assert.Equal(t, USBTMCMaxPacket, n)

	// Second poll delivers the rest.
	n, err = ctx.ReadHeader(&singleChunkTransport{data: full[USBTMCMaxPacket:]})
	require.NoError(t, err)
	assert.Equal(t, SiglentHeaderSize, n)
	assert.Equal(t, uint64(1000), ctx.NumSamples)
}

func TestReadHeader_TransientDrainMakesNoProgress(t *testing.T) {
	ctx := NewAcquisitionContext()
	n, err := ctx.ReadHeader(&singleChunkTransport{n: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadHeader_EmptyWaveform(t *testing.T) {
	full := buildHeader(346, 0)
	ctx := NewAcquisitionContext()

	tr := &scriptedReadDataTransport{chunks: [][]byte{full, {0x0a, 0x0a}}}
	_, err := ctx.ReadHeader(tr)
	var empty *EmptyWaveformError
	assert.ErrorAs(t, err, &empty)
}

func TestReadHeader_GarbageWaveform(t *testing.T) {
	full := buildHeader(346, 0)
	ctx := NewAcquisitionContext()

	tr := &scriptedReadDataTransport{chunks: [][]byte{full, {0x0a, 0x0a, 0x0a, 0x0a}}}
	_, err := ctx.ReadHeader(tr)
	var garbage *GarbageWaveformError
	assert.ErrorAs(t, err, &garbage)
}

func TestDecodeAnalog_KnownValues(t *testing.T) {
	// vdiv=1.0, offset=0: raw 25 -> 1.0V, raw -25 -> -1.0V, raw 0 -> 0V
	out := DecodeAnalog([]byte{25, 256 - 25, 0}, 1.0, 0.0)
	require.Len(t, out, 3)
	assert.InDelta(t, 1.0, out[0], 1e-6)
	assert.InDelta(t, -1.0, out[1], 1e-6)
	assert.InDelta(t, 0.0, out[2], 1e-6)
}

func TestAnalogDigits(t *testing.T) {
	assert.Equal(t, 3, AnalogDigits(0.01))
	assert.Equal(t, 0, AnalogDigits(1.0))
	assert.Equal(t, -1, AnalogDigits(10.0))
}

func TestLogicAccumulator_Interleave(t *testing.T) {
	acc := NewLogicAccumulator(8)
	acc.AddChannel(0, []byte{0xff}) // all 8 samples have D0 set
	acc.AddChannel(9, []byte{0x01}) // only sample 0 has D9 set

	out := acc.Interleave()
	require.Len(t, out, 16)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(1), out[2*i], "low byte sample %d", i)
	}
	assert.Equal(t, byte(0x02), out[1], "high byte sample 0 should have bit 1 (D9) set")
	assert.Equal(t, byte(0x00), out[3], "high byte sample 1 should have no bits set")
}

// singleChunkTransport returns one ReadData result then errors on any
// further call; used for the two-poll header-assembly test above.
type singleChunkTransport struct {
	data []byte
	n    int
	used bool
}

func (s *singleChunkTransport) Send(string, ...any) error        { return nil }
func (s *singleChunkTransport) GetString(string) (string, error) { return "", nil }
func (s *singleChunkTransport) GetInt(string) (int, error)       { return 0, nil }
func (s *singleChunkTransport) GetFloat(string) (float64, error) { return 0, nil }
func (s *singleChunkTransport) GetBool(string) (bool, error)     { return false, nil }
func (s *singleChunkTransport) ReadBegin() error                 { return nil }
func (s *singleChunkTransport) ReadComplete() bool               { return true }

func (s *singleChunkTransport) ReadData(buf []byte) (int, error) {
	if s.used {
		return 0, nil
	}
	s.used = true
	if s.data == nil {
		return s.n, nil
	}
	return copy(buf, s.data), nil
}

// scriptedReadDataTransport returns each chunk in order on successive
// ReadData calls.
type scriptedReadDataTransport struct {
	chunks [][]byte
	idx    int
}

func (s *scriptedReadDataTransport) Send(string, ...any) error        { return nil }
func (s *scriptedReadDataTransport) GetString(string) (string, error) { return "", nil }
func (s *scriptedReadDataTransport) GetInt(string) (int, error)       { return 0, nil }
func (s *scriptedReadDataTransport) GetFloat(string) (float64, error) { return 0, nil }
func (s *scriptedReadDataTransport) GetBool(string) (bool, error)     { return false, nil }
func (s *scriptedReadDataTransport) ReadBegin() error                 { return nil }
func (s *scriptedReadDataTransport) ReadComplete() bool               { return true }

func (s *scriptedReadDataTransport) ReadData(buf []byte) (int, error) {
	if s.idx >= len(s.chunks) {
		return 0, nil
	}
	c := s.chunks[s.idx]
	s.idx++
	return copy(buf, c), nil
}

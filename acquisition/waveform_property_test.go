package acquisition

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestDecodeAnalog_IsPure checks invariant P3: DecodeAnalog is a pure
// function of its inputs — same raw bytes, vdiv and offset always
// produce the same voltages, and every output value tracks the formula
// exactly (no hidden state carried between calls).
func TestDecodeAnalog_IsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")
		vdiv := rapid.Float64Range(0.001, 20).Draw(t, "vdiv")
		offset := rapid.Float64Range(-10, 10).Draw(t, "offset")

		first := DecodeAnalog(raw, vdiv, offset)
		second := DecodeAnalog(raw, vdiv, offset)

		assert.Equal(t, first, second, "DecodeAnalog must be deterministic")
		assert.Len(t, first, len(raw))

		for i, b := range raw {
			want := float32(vdiv*(float64(int8(b))/25.0) - offset)
			assert.InDelta(t, want, first[i], 1e-4)
		}
	})
}

// TestLogicAccumulator_Interleave_IsAPermutation checks invariant P4: bit
// planing never loses or duplicates a bit. Every (channel, sample) pair
// set via AddChannel ends up at exactly the expected position in the
// interleaved output, regardless of the order channels are added in.
func TestLogicAccumulator_Interleave_IsAPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		depthBytes := rapid.IntRange(1, 8).Draw(t, "depthBytes")
		depth := depthBytes * 8

		// One raw byte stream per of the 16 logic channels, each
		// depthBytes long, each a random bit pattern.
		channelBits := make([][]bool, 16)
		rawStreams := make([][]byte, 16)
		for ch := 0; ch < 16; ch++ {
			raw := make([]byte, depthBytes)
			bits := make([]bool, depth)
			for i := range raw {
				raw[i] = rapid.Byte().Draw(t, "byte")
			}
			for i := 0; i < depth; i++ {
				byteIdx := i / 8
				bitIdx := i % 8
				bits[i] = (raw[byteIdx]>>uint(bitIdx))&1 != 0
			}
			rawStreams[ch] = raw
			channelBits[ch] = bits
		}

		acc := NewLogicAccumulator(depth)
		// Add channels in a shuffled order to confirm order independence.
		order := shuffledSequence(t, 16)
		for _, ch := range order {
			acc.AddChannel(ch, rawStreams[ch])
		}

		out := acc.Interleave()
		assert.Len(t, out, 2*depth)

		for sample := 0; sample < depth; sample++ {
			low := out[2*sample]
			high := out[2*sample+1]
			for ch := 0; ch < 16; ch++ {
				var got bool
				if ch < 8 {
					got = (low>>uint(ch))&1 != 0
				} else {
					got = (high>>uint(ch-8))&1 != 0
				}
				assert.Equalf(t, channelBits[ch][sample], got,
					"channel %d sample %d: bit mismatch", ch, sample)
			}
		}
	})
}

// shuffledSequence returns a rapid-driven Fisher-Yates shuffle of
// [0, n), avoiding a dependency on any particular permutation generator
// shape in the rapid API.
func shuffledSequence(t *rapid.T, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rapid.IntRange(0, i).Draw(t, "swap")
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// TestAnalogDigits_MatchesFormula checks AnalogDigits against the exact
// source formula for a wide range of vdiv settings.
func TestAnalogDigits_MatchesFormula(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vdiv := rapid.Float64Range(1e-6, 1e3).Draw(t, "vdiv")
		logv := math.Log10(vdiv)
		want := -math.Floor(logv)
		if logv < 0 {
			want++
		}
		assert.Equal(t, int(want), AnalogDigits(vdiv))
	})
}

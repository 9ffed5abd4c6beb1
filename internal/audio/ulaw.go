package audio

// G.711 mu-law companding. Telephony endpoints decode these bytes directly,
// so both directions must match the codec tables bit-for-bit.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawDecodeTable is the fixed 256-entry expansion table, built once from the
// standard segment/mantissa layout.
var ulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F

		sample := ((int(mantissa) << 3) + ulawBias) << exponent
		sample -= ulawBias
		if sign != 0 {
			sample = -sample
		}
		ulawDecodeTable[i] = int16(sample)
	}
}

// DecodeULawSample expands one mu-law byte to a linear 16-bit sample.
func DecodeULawSample(b byte) int16 {
	return ulawDecodeTable[b]
}

// EncodeULawSample compresses one linear 16-bit sample to a mu-law byte.
func EncodeULawSample(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// ULawToLinear16 expands mu-law bytes to little-endian 16-bit PCM.
func ULawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := ulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Linear16ToULaw compresses little-endian 16-bit PCM to mu-law bytes.
// A trailing odd byte is ignored.
func Linear16ToULaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(in[i*2]) | uint16(in[i*2+1])<<8)
		out[i] = EncodeULawSample(s)
	}
	return out
}

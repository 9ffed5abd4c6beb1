package audio

import "encoding/binary"

// Resample converts little-endian 16-bit mono PCM between sample rates using
// linear interpolation. Equal rates return the input unchanged.
//
// Linear interpolation is deliberate: the narrow-band telephony path does not
// benefit from a polyphase filter, and this keeps the hot path allocation-light.
func Resample(in []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return in
	}
	n := len(in) / 2
	if n == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(toRate)
	outN := int(float64(n) / ratio)
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*2)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s1 := sampleAt(in, idx)
		s2 := s1
		if idx+1 < n {
			s2 = sampleAt(in, idx+1)
		}

		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func sampleAt(in []byte, idx int) int16 {
	return int16(binary.LittleEndian.Uint16(in[idx*2:]))
}

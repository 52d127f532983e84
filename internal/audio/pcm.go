package audio

import "encoding/binary"

// DecodePCM16LE converts little-endian PCM16 bytes to float32 samples in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16LE(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// EncodePCM16LE converts float32 samples in [-1, 1] to little-endian PCM16
// bytes, clamping out-of-range values.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

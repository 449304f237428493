package tools

import (
	"encoding/binary"
	"math"
)

const (
	// WAVHeaderSize is the canonical RIFF/WAVE header length emitted by the
	// voice backend.
	WAVHeaderSize = 44

	pcmNegativeScale = 0x8000
	pcmPositiveScale = 0x7FFF
)

// Float32ToPCM16 encodes samples as signed 16-bit little-endian PCM into dst,
// which must hold 2*len(src) bytes. Samples are clamped to [-1, 1]; negative
// values scale by 32768 and the rest by 32767 so both ends stay in range.
func Float32ToPCM16(dst []byte, src []float32) []byte {
	dst = dst[:2*len(src)]
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(EncodeSample(s)))
	}
	return dst
}

// EncodeSample converts one float sample. The conversion truncates toward
// zero.
func EncodeSample(s float32) int16 {
	if s != s {
		return 0
	}
	x := math.Max(-1, math.Min(1, float64(s)))
	if x < 0 {
		return int16(x * pcmNegativeScale)
	}
	return int16(x * pcmPositiveScale)
}

// PCM16ToFloat32 decodes signed 16-bit little-endian PCM. A trailing odd byte
// is an incomplete sample and is ignored. Every sample is divided by 32767,
// matching what the backend expects on the capture side.
func PCM16ToFloat32(src []byte) []float32 {
	n := len(src) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(src[2*i:]))) / pcmPositiveScale
	}
	return out
}

// StripWAVHeader drops a 44-byte RIFF header when one is present at offset 0.
// Anything else is returned unchanged.
func StripWAVHeader(b []byte) []byte {
	if len(b) > WAVHeaderSize && string(b[:4]) == "RIFF" {
		return b[WAVHeaderSize:]
	}
	return b
}

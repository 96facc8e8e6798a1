package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, expressed in PCM sample units (0-32767). Returns 0 for buffers
// shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the wall-clock span of a PCM buffer at the fixed format.
func Duration(pcm []byte) time.Duration {
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / SampleRate
}

// EncodeWAV wraps raw PCM at the fixed format in a standard RIFF/WAV
// container, suitable for batch transcription uploads.
func EncodeWAV(pcm []byte) []byte {
	byteRate := SampleRate * Channels * BitsPerSample / 8
	blockAlign := Channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(BitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Concat joins the PCM payloads of frames into one contiguous buffer,
// preserving order. Used to hand a buffered utterance to the backend.
func Concat(frames []Frame) []byte {
	total := 0
	for _, f := range frames {
		total += len(f.PCM)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f.PCM...)
	}
	return out
}

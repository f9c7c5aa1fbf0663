package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
)

// DebugRecorder accumulates captured frames and flushes them as a WAV
// file, for diagnosing capture issues (clipping, wrong device, silence)
// without a working speech-service connection. Unlike the teacher's
// NewWavBuffer, which packaged arbitrary []byte PCM for outbound TTS
// playback at a caller-supplied sample rate, this writer only ever sees
// the capture source's own fixed format (mono 16-bit PCM at
// sampleRate), so that format is baked in rather than re-parameterized.
type DebugRecorder struct {
	mu     sync.Mutex
	frames []int16
}

func NewDebugRecorder() *DebugRecorder {
	return &DebugRecorder{}
}

// Write appends one captured frame. Safe to call from the capture
// callback's frame-consumer goroutine.
func (r *DebugRecorder) Write(frame []int16) {
	r.mu.Lock()
	r.frames = append(r.frames, frame...)
	r.mu.Unlock()
}

// Flush writes everything recorded so far to path as a mono 16-bit WAV
// file at the capture source's sample rate.
func (r *DebugRecorder) Flush(path string) error {
	r.mu.Lock()
	frames := make([]int16, len(r.frames))
	copy(frames, r.frames)
	r.mu.Unlock()

	return os.WriteFile(path, encodeMonoWav(frames), 0o644)
}

// encodeMonoWav builds a canonical 44-byte-header RIFF/WAVE file around
// samples, mono 16-bit PCM at sampleRate.
func encodeMonoWav(samples []int16) []byte {
	dataLen := len(samples) * 2
	buf := new(bytes.Buffer)
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))          // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))           // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))           // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))  // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate (mono, 16-bit)
	binary.Write(buf, binary.LittleEndian, uint16(2))           // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))          // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	binary.Write(buf, binary.LittleEndian, samples)

	return buf.Bytes()
}

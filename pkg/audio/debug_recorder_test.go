package audio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDebugRecorder_FlushWritesValidWavHeader(t *testing.T) {
	r := NewDebugRecorder()
	r.Write([]int16{1, 2, 3})
	r.Write([]int16{4, 5})

	path := filepath.Join(t.TempDir(), "debug.wav")
	if err := r.Flush(path); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading flushed file: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("expected a RIFF/WAVE header, got %q", data[:12])
	}
	wantPCMBytes := 5 * 2
	if len(data) != 44+wantPCMBytes {
		t.Fatalf("expected %d total bytes, got %d", 44+wantPCMBytes, len(data))
	}
}

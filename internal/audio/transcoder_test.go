package audio

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestTranscoder(t *testing.T) *Transcoder {
	t.Helper()
	tr, err := NewTranscoder(t.TempDir(), t.TempDir(), 16000, 24000, slog.Default())
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	return tr
}

func TestProcessIncoming_ResamplesToInputRate(t *testing.T) {
	tr := newTestTranscoder(t)

	// 160 mu-law bytes = 20ms at 8kHz; expect 20ms at 16kHz = 320 samples.
	chunk := make([]byte, 160)
	out := tr.ProcessIncoming(chunk)
	if len(out) != 320*2 {
		t.Fatalf("expected 640 bytes of 16kHz PCM, got %d", len(out))
	}
}

func TestProcessOutgoing_WritesWAVArtifact(t *testing.T) {
	tr := newTestTranscoder(t)

	// 30ms of 24kHz PCM.
	pcm := make([]byte, 720*2)
	path, err := tr.ProcessOutgoing(pcm, OutputWAV)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	if !strings.HasSuffix(path, ".wav") {
		t.Fatalf("expected .wav artifact, got %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != TelephonyRate {
		t.Fatalf("expected %d Hz header, got %d", TelephonyRate, rate)
	}
	// 30ms at 8kHz 16-bit = 240 samples = 480 bytes.
	if len(data) != 44+480 {
		t.Fatalf("expected 44+480 bytes, got %d", len(data))
	}
}

func TestProcessOutgoing_ULawArtifact(t *testing.T) {
	tr := newTestTranscoder(t)

	pcm := make([]byte, 720*2)
	path, err := tr.ProcessOutgoing(pcm, OutputULaw)
	if err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	if !strings.HasSuffix(path, ".ul") {
		t.Fatalf("expected .ul artifact, got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) != 240 {
		t.Fatalf("expected 240 mu-law bytes, got %d", len(data))
	}
}

func TestSaveRecording_WrapsEightBitWAV(t *testing.T) {
	tr := newTestTranscoder(t)

	raw := make([]byte, 8000) // one second
	path, err := tr.SaveRecording("call-1", raw)
	if err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 8 {
		t.Fatalf("expected 8-bit samples, got %d", bits)
	}
	if len(data) != 44+8000 {
		t.Fatalf("expected 44+8000 bytes, got %d", len(data))
	}
}

func TestSaveRecording_RequiresCallID(t *testing.T) {
	tr := newTestTranscoder(t)
	if _, err := tr.SaveRecording("", nil); err == nil {
		t.Fatalf("expected error for empty call id")
	}
}

func TestCleanupScratch_RemovesOnlyOldFiles(t *testing.T) {
	tr := newTestTranscoder(t)

	oldFile := filepath.Join(tr.scratchDir, "old.wav")
	newFile := filepath.Join(tr.scratchDir, "new.wav")
	if err := os.WriteFile(oldFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(oldFile, past, past); err != nil {
		t.Fatal(err)
	}

	removed, err := tr.CleanupScratch(5 * time.Minute)
	if err != nil {
		t.Fatalf("CleanupScratch: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatalf("new file should survive: %v", err)
	}
}

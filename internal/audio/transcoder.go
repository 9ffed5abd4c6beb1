package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TelephonyRate is the narrow-band sample rate of the call-control media path.
const TelephonyRate = 8000

const (
	defaultScratchMaxAge = 5 * time.Minute
	scratchSweepInterval = time.Minute
)

// OutputFormat selects the playback artifact written by ProcessOutgoing.
type OutputFormat string

const (
	// OutputWAV writes a 16-bit PCM WAV the telephony engine can play directly.
	OutputWAV OutputFormat = "wav"
	// OutputULaw writes raw mu-law bytes (.ul) for engines that stream it as-is.
	OutputULaw OutputFormat = "ulaw"
)

// Transcoder converts between telephony audio and the AI service's PCM rates
// and manages playback/recording file artifacts.
//
// The codec and resample paths are stateless; file handling keeps only
// directory paths. One shared instance serves all calls.
type Transcoder struct {
	scratchDir   string
	recordingDir string

	// inputRate is the AI-facing caller-audio rate, outputRate the AI
	// synthesis rate (24kHz for Gemini Live).
	inputRate  int
	outputRate int

	log   *slog.Logger
	clock func() time.Time
}

func NewTranscoder(scratchDir, recordingDir string, inputRate, outputRate int, log *slog.Logger) (*Transcoder, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("audio: invalid rates in=%d out=%d", inputRate, outputRate)
	}
	for _, dir := range []string{scratchDir, recordingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audio: create dir %s: %w", dir, err)
		}
	}
	return &Transcoder{
		scratchDir:   scratchDir,
		recordingDir: recordingDir,
		inputRate:    inputRate,
		outputRate:   outputRate,
		log:          log,
		clock:        time.Now,
	}, nil
}

// ProcessIncoming converts one chunk of caller mu-law audio at the telephony
// rate into linear PCM at the AI input rate.
func (t *Transcoder) ProcessIncoming(chunk []byte) []byte {
	pcm := ULawToLinear16(chunk)
	return Resample(pcm, TelephonyRate, t.inputRate)
}

// ProcessOutgoing converts one chunk of synthesized PCM at the AI output rate
// down to the telephony rate and writes a playback artifact into the scratch
// directory. The returned path is handed to the protocol client's broadcast.
func (t *Transcoder) ProcessOutgoing(pcm []byte, format OutputFormat) (string, error) {
	down := Resample(pcm, t.outputRate, TelephonyRate)

	name := uuid.NewString()
	switch format {
	case OutputULaw:
		path := filepath.Join(t.scratchDir, name+".ul")
		if err := os.WriteFile(path, Linear16ToULaw(down), 0o644); err != nil {
			return "", fmt.Errorf("audio: write playback artifact: %w", err)
		}
		return path, nil
	case OutputWAV, "":
		path := filepath.Join(t.scratchDir, name+".wav")
		if err := os.WriteFile(path, wrapWAV(down, TelephonyRate, 16), 0o644); err != nil {
			return "", fmt.Errorf("audio: write playback artifact: %w", err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("audio: unknown output format %q", format)
	}
}

// SaveRecording wraps raw 8kHz mono 8-bit samples in a WAV container and
// writes it to the durable recordings directory.
func (t *Transcoder) SaveRecording(callID string, raw []byte) (string, error) {
	if callID == "" {
		return "", fmt.Errorf("audio: call id required")
	}
	path := filepath.Join(t.recordingDir, fmt.Sprintf("%s_%d.wav", callID, t.clock().Unix()))
	if err := os.WriteFile(path, wrapWAV(raw, TelephonyRate, 8), 0o644); err != nil {
		return "", fmt.Errorf("audio: write recording: %w", err)
	}
	return path, nil
}

// StartScratchSweep removes scratch artifacts older than maxAge on a fixed
// interval until ctx is cancelled. Bounds disk usage from playback files the
// telephony engine has already consumed.
func (t *Transcoder) StartScratchSweep(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = defaultScratchMaxAge
	}
	go func() {
		ticker := time.NewTicker(scratchSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := t.CleanupScratch(maxAge); err != nil {
					t.log.Warn("scratch sweep failed", "err", err)
				} else if n > 0 {
					t.log.Debug("scratch sweep", "removed", n)
				}
			}
		}
	}()
}

// CleanupScratch removes scratch files older than maxAge and reports how many
// were deleted.
func (t *Transcoder) CleanupScratch(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.scratchDir)
	if err != nil {
		return 0, err
	}
	cutoff := t.clock().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(t.scratchDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// wrapWAV prepends a minimal RIFF/WAVE header for mono PCM data.
func wrapWAV(data []byte, sampleRate, bitsPerSample int) []byte {
	blockAlign := bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, 44+len(data))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(data)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1) // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(data)))
	copy(out[44:], data)
	return out
}

// Package speech renders artifact text to Ogg Opus files for voice playback.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	htgotts "github.com/hegedustibor/htgo-tts"
	"github.com/hegedustibor/htgo-tts/voices"

	idspkg "github.com/drblury/matchwatch/internal/runtime/ids"
	loggingpkg "github.com/drblury/matchwatch/internal/runtime/logging"
)

// Extension is the suffix of rendered files.
const Extension = ".opus"

type Config struct {
	// Dir receives the rendered files. It is created if missing.
	Dir string
	// Language is a htgo-tts voice, English when empty.
	Language string
	// FFmpeg is the ffmpeg binary, looked up on PATH when empty.
	FFmpeg string
}

// Renderer synthesizes speech with htgo-tts and converts it to Opus with
// ffmpeg.
type Renderer struct {
	dir    string
	logger loggingpkg.ServiceLogger

	synthesize func(text, name string) (string, error)
	convert    func(ctx context.Context, in, out string) error
	newName    func() string
}

func NewRenderer(cfg Config, logger loggingpkg.ServiceLogger) (*Renderer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("speech: audio directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("speech: create audio directory: %w", err)
	}
	if cfg.Language == "" {
		cfg.Language = voices.English
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}

	tts := htgotts.Speech{Folder: cfg.Dir, Language: cfg.Language}
	ffmpeg := cfg.FFmpeg
	return &Renderer{
		dir:    cfg.Dir,
		logger: logger.With(loggingpkg.LogFields{"component": "speech"}),
		synthesize: func(text, name string) (string, error) {
			return tts.CreateSpeechFile(text, name)
		},
		convert: func(ctx context.Context, in, out string) error {
			cmd := exec.CommandContext(ctx, ffmpeg, "-y", "-loglevel", "error", "-i", in, "-c:a", "libopus", "-page_duration", "20000", "-f", "ogg", out)
			if output, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
			}
			return nil
		},
		newName: func() string { return "tts_" + idspkg.NewMessageID() },
	}, nil
}

// Render writes text as speech and returns the path of the Opus file. The
// intermediate mp3 is always removed.
func (r *Renderer) Render(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("speech: nothing to render")
	}
	name := r.newName()

	mp3, err := r.synthesize(text, name)
	if err != nil {
		return "", fmt.Errorf("speech: synthesize: %w", err)
	}
	defer r.removeFile(mp3)

	out := filepath.Join(r.dir, name+Extension)
	if err := r.convert(ctx, mp3, out); err != nil {
		r.removeFile(out)
		return "", fmt.Errorf("speech: convert: %w", err)
	}
	r.logger.Debug("Rendered speech", loggingpkg.LogFields{"audio_path": out})
	return out, nil
}

func (r *Renderer) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Error("Removing audio file failed", err, loggingpkg.LogFields{"audio_path": path})
	}
}

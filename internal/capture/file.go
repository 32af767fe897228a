package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hajimehoshi/go-mp3"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// FileSource plays an MP3 file as if it were live input. The decoder emits
// 16-bit little-endian stereo, so only the sample rate has to match.
type FileSource struct {
	cfg    config.CaptureFileConfig
	format pcm.Format
	logger Logger
}

// NewFileSource creates a source decoding cfg.Path on every Open.
func NewFileSource(cfg config.CaptureFileConfig, format pcm.Format, logger Logger) *FileSource {
	return &FileSource{cfg: cfg, format: format, logger: logger}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.cfg.Path }

// Format implements Source.
func (s *FileSource) Format() pcm.Format { return s.format }

// Open opens and starts decoding the file.
func (s *FileSource) Open(_ context.Context) (Stream, error) {
	if s.format.Channels != 2 {
		return nil, fmt.Errorf("%w: mp3 decodes to stereo, session is %d channel", ErrFormatMismatch, s.format.Channels)
	}

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrStartFailed, s.cfg.Path, err)
	}
	if dec.SampleRate() != s.format.SampleRate {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d Hz, session is %d Hz",
			ErrFormatMismatch, s.cfg.Path, dec.SampleRate(), s.format.SampleRate)
	}

	s.logger.Info("file capture started", "path", s.cfg.Path, "loop", s.cfg.Loop)
	return &fileStream{file: f, dec: dec, loop: s.cfg.Loop}, nil
}

type fileStream struct {
	mu      sync.Mutex
	file    *os.File
	dec     *mp3.Decoder
	loop    bool
	stopped bool
}

func (s *fileStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, ErrSourceStopped
	}

	n, err := s.dec.Read(p)
	if errors.Is(err, io.EOF) && s.loop {
		if _, serr := s.dec.Seek(0, io.SeekStart); serr != nil {
			return n, fmt.Errorf("rewinding: %w", serr)
		}
		if n == 0 {
			return s.dec.Read(p)
		}
		return n, nil
	}
	return n, err
}

func (s *fileStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	return s.file.Close()
}

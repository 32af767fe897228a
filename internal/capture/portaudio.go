//go:build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// PortAudioSource captures from the default input device in process.
type PortAudioSource struct {
	cfg    config.CapturePortAudioConfig
	format pcm.Format
	logger Logger
}

// NewPortAudioSource creates a source reading the default input device.
func NewPortAudioSource(cfg config.CapturePortAudioConfig, format pcm.Format, logger Logger) (Source, error) {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = pcm.MaxChunkFrames
	}
	return &PortAudioSource{cfg: cfg, format: format, logger: logger}, nil
}

// Name implements Source.
func (s *PortAudioSource) Name() string { return "portaudio:default" }

// Format implements Source.
func (s *PortAudioSource) Format() pcm.Format { return s.format }

// Open initialises PortAudio and starts the default input stream.
func (s *PortAudioSource) Open(_ context.Context) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialising portaudio: %w", ErrStartFailed, err)
	}

	buf := make([]int16, s.cfg.FramesPerBuffer*s.format.Channels)
	stream, err := portaudio.OpenDefaultStream(
		s.format.Channels,
		0,
		float64(s.format.SampleRate),
		s.cfg.FramesPerBuffer,
		buf,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: opening input stream: %w", ErrStartFailed, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: starting input stream: %w", ErrStartFailed, err)
	}

	s.logger.Info("portaudio capture started", "frames_per_buffer", s.cfg.FramesPerBuffer)
	return &portAudioStream{stream: stream, samples: buf}, nil
}

type portAudioStream struct {
	readMu  sync.Mutex // held across stream.Read
	stream  *portaudio.Stream
	samples []int16
	pending []byte

	stateMu sync.Mutex
	stopped bool
}

func (s *portAudioStream) isStopped() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stopped
}

func (s *portAudioStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.isStopped() {
		return 0, ErrSourceStopped
	}

	if len(s.pending) == 0 {
		if err := s.stream.Read(); err != nil {
			if s.isStopped() {
				return 0, ErrSourceStopped
			}
			if err != portaudio.InputOverflowed {
				return 0, fmt.Errorf("reading input stream: %w", err)
			}
		}
		out := make([]byte, 2*len(s.samples))
		for i, v := range s.samples {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
		}
		s.pending = out
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *portAudioStream) Stop() error {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	s.stateMu.Unlock()

	// Abort unblocks a pending Read; Close waits for it to return.
	err := s.stream.Abort()

	s.readMu.Lock()
	defer s.readMu.Unlock()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}

//go:build !portaudio

package capture

import (
	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/pcm"
)

// NewPortAudioSource reports ErrUnsupported; build with -tags portaudio to
// capture from a sound card in process.
func NewPortAudioSource(_ config.CapturePortAudioConfig, _ pcm.Format, _ Logger) (Source, error) {
	return nil, ErrUnsupported
}

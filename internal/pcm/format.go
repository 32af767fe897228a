// Package pcm describes the raw audio format shared by capture and transport
// and provides the few sample operations the relay needs.
//
// Audio is interleaved signed 16-bit little-endian PCM. Nothing in Air Vinyl
// resamples: capture and transport must agree on the Format.
package pcm

import (
	"fmt"
	"math"
	"time"
)

// MaxChunkFrames is the largest number of frames relayed in one chunk.
const MaxChunkFrames = 352

// Format is a PCM stream format.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// CD is 44.1 kHz, 16-bit stereo.
var CD = Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

// FrameSize returns the number of bytes in one frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesPerSecond returns the data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Frames returns the number of whole frames in n bytes.
func (f Format) Frames(n int) int {
	if fs := f.FrameSize(); fs > 0 {
		return n / fs
	}
	return 0
}

// Duration returns the play time of the given number of frames.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks the format is one this package can process.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("pcm: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("pcm: unsupported channel count %d", f.Channels)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("pcm: unsupported sample size %d", f.BitsPerSample)
	}
	return nil
}

// String implements fmt.Stringer, e.g. "s16le/44100/2".
func (f Format) String() string {
	return fmt.Sprintf("s%dle/%d/%d", f.BitsPerSample, f.SampleRate, f.Channels)
}

// Volume range on the AirPlay attenuation scale, in dB.
const (
	minVolumeDB = -30.0
	muteDB      = -144.0
)

// VolumeDB converts a 0–100 volume to AirPlay attenuation in dB.
// 0 is mute; 1..100 map linearly onto -30..0 dB.
func VolumeDB(percent int) float64 {
	switch {
	case percent <= 0:
		return muteDB
	case percent >= 100:
		return 0
	}
	return minVolumeDB * (1 - float64(percent)/100)
}

// Gain converts a 0–100 volume to a linear amplitude factor.
func Gain(percent int) float64 {
	if percent <= 0 {
		return 0
	}
	return math.Pow(10, VolumeDB(percent)/20)
}

// ApplyGain writes src scaled by gain into dst, which must be at least as
// long as src. Samples are clamped to the int16 range. dst and src may be
// the same slice. Returns the number of bytes written.
func ApplyGain(dst, src []byte, gain float64) int {
	n := len(src) &^ 1
	if gain == 1 {
		return copy(dst, src[:n])
	}
	for i := 0; i < n; i += 2 {
		s := float64(int16(uint16(src[i]) | uint16(src[i+1])<<8))
		v := math.Round(s * gain)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out := uint16(int16(v))
		dst[i] = byte(out)
		dst[i+1] = byte(out >> 8)
	}
	return n
}

// SwapEndian converts 16-bit samples between little and big endian in place.
// RTP L16 payloads are big endian.
func SwapEndian(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

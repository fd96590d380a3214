// Package audio provides small helpers for the 16-bit mono PCM that the
// synthesis backend produces.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DecodeBase64 decodes one base64-encoded PCM payload.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	return data, nil
}

// Duration returns the playback time of 16-bit mono PCM at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples reinterprets little-endian 16-bit PCM bytes as samples. A trailing
// odd byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// RMS returns the root mean square amplitude of the samples, a cheap loudness
// estimate for diagnostics.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

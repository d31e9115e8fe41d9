//go:build !portaudio

package capture

import "github.com/tiroq/scribe/internal/audio"

// DefaultSource returns a source that always fails with ErrNoSource. Build
// with -tags portaudio for microphone input.
func DefaultSource(framesPerBuffer int) Source {
	return unavailableSource{}
}

type unavailableSource struct{}

func (unavailableSource) Open(audio.Format) (Stream, error) {
	return nil, ErrNoSource
}

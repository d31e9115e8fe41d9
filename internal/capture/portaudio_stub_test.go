//go:build !portaudio

package capture

import (
	"errors"
	"testing"

	"github.com/tiroq/scribe/internal/audio"
)

func TestDefaultSourceWithoutPortAudio(t *testing.T) {
	_, err := DefaultSource(512).Open(audio.DefaultFormat)
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}

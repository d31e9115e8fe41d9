// Package audio holds the captured segment type and the WAV codec used to
// build segments, checkpoint previews and the full-session upload.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	MIMEWAV = "audio/wav"
	ExtWAV  = ".wav"
)

// ErrEmpty is returned when encoding or concatenating zero samples.
var ErrEmpty = errors.New("audio: no samples")

// Format describes interleaved PCM as captured from the input device.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 16 kHz mono 16-bit, what the transcription service expects.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// SamplesFor returns the interleaved sample count covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(f.Channels) * int64(d) / int64(time.Second))
}

// DurationOf returns the playback duration of n interleaved samples.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate*f.Channels))
}

// Segment is one time-boxed slice of recorded audio. Run identifies the
// capture run (each Start of the device) and Seq the slice within that run.
// A Segment is immutable once handed out.
type Segment struct {
	Run        int
	Seq        int
	Data       []byte
	MIME       string
	Ext        string
	Duration   time.Duration
	CapturedAt time.Time
}

// Size returns the encoded payload size in bytes.
func (s Segment) Size() int { return len(s.Data) }

// EncodeWAV encodes interleaved samples as a WAV container.
func EncodeWAV(f Format, samples []int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	bitDepth := f.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, f.SampleRate, bitDepth, f.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV returns the PCM content of a WAV payload.
func DecodeWAV(data []byte) (*goaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}

// NewWAVSegment encodes samples into a WAV segment stamped with run and seq.
func NewWAVSegment(f Format, run, seq int, samples []int, at time.Time) (Segment, error) {
	data, err := EncodeWAV(f, samples)
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		Run:        run,
		Seq:        seq,
		Data:       data,
		MIME:       MIMEWAV,
		Ext:        ExtWAV,
		Duration:   f.DurationOf(len(samples)),
		CapturedAt: at,
	}, nil
}

// Concat joins segments in the order given. WAV segments are merged at the
// PCM level into a single valid container; any other container type is
// joined byte-wise, which is how chunked recorder output is meant to be
// reassembled.
func Concat(segs []Segment) (Segment, error) {
	if len(segs) == 0 {
		return Segment{}, ErrEmpty
	}
	allWAV := true
	for _, s := range segs {
		if s.MIME != MIMEWAV {
			allWAV = false
			break
		}
	}
	if !allWAV {
		var out []byte
		var total time.Duration
		for _, s := range segs {
			out = append(out, s.Data...)
			total += s.Duration
		}
		return Segment{Data: out, MIME: segs[0].MIME, Ext: segs[0].Ext, Duration: total, CapturedAt: segs[0].CapturedAt}, nil
	}

	var (
		f       Format
		samples []int
	)
	for i, s := range segs {
		buf, err := DecodeWAV(s.Data)
		if err != nil {
			return Segment{}, fmt.Errorf("segment %d: %w", i, err)
		}
		sf := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels, BitDepth: buf.SourceBitDepth}
		if i == 0 {
			f = sf
		} else if sf != f {
			return Segment{}, fmt.Errorf("segment %d: format %+v does not match %+v", i, sf, f)
		}
		samples = append(samples, buf.Data...)
	}
	data, err := EncodeWAV(f, samples)
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		Data:       data,
		MIME:       MIMEWAV,
		Ext:        ExtWAV,
		Duration:   f.DurationOf(len(samples)),
		CapturedAt: segs[0].CapturedAt,
	}, nil
}

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	abs, err := seekTarget(int64(w.pos), int64(len(w.buf)), offset, whence)
	if err != nil {
		return 0, err
	}
	w.pos = int(abs)
	return abs, nil
}

func seekTarget(pos, size, offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = pos + offset
	case io.SeekEnd:
		abs = size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}
	return abs, nil
}

// Package pcm holds helpers for 16-bit little-endian PCM audio.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bytesPerSample = 2

var ErrUnaligned = errors.New("pcm payload not aligned")

// WriteWAV encodes pcm as a 16-bit WAV file into w.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%bytesPerSample != 0 {
		return ErrUnaligned
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid format: rate=%d channels=%d", sampleRate, channels)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           Samples(pcm),
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a 16-bit WAV stream back into raw PCM.
func ReadWAV(r io.ReadSeeker) ([]byte, int, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("invalid wav file")
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]byte, len(buf.Data)*bytesPerSample)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(s)))
	}
	return out, int(dec.SampleRate), int(dec.NumChans), nil
}

// Samples converts little-endian bytes into sample values.
func Samples(pcm []byte) []int {
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return samples
}

// Duration reports the playback length of pcm.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(pcm) / (bytesPerSample * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the byte length of d worth of audio, frame aligned.
func BytesFor(d time.Duration, sampleRate, channels int) int {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return frames * bytesPerSample * channels
}

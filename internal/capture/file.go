package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"

	"github.com/andresmejia3/vigil/internal/utils"
)

// Metadata describes a recorded video file.
type Metadata struct {
	FPS    float64
	Frames int
}

// Duration is the playback length in seconds.
func (m Metadata) Duration() float64 {
	if m.FPS <= 0 {
		return 0
	}
	return float64(m.Frames) / m.FPS
}

// ReadMetadata reads frame rate and frame count of a video file.
func ReadMetadata(ctx context.Context, path string) (Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	frames := utils.GetTotalFrames(ctx, path)
	if frames <= 0 {
		return Metadata{}, fmt.Errorf("%w: %s: frame count unavailable", ErrSourceUnavailable, path)
	}
	return Metadata{FPS: fps, Frames: frames}, nil
}

// FileReader delivers every frame of a finite source in order.
type FileReader struct {
	dec   Decoder
	index int
}

func NewFileReader(dec Decoder) *FileReader {
	return &FileReader{dec: dec}
}

// OpenFile starts decoding a video file from its first frame.
func OpenFile(ctx context.Context, path string) (*FileReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	dec, err := newFFmpegDecoder(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return NewFileReader(dec), nil
}

// Next returns the following frame, or io.EOF once the file is exhausted.
// A decoder failure at the end of the file is returned instead of io.EOF.
func (r *FileReader) Next() (*Frame, error) {
	data, err := r.dec.Grab()
	if err != nil {
		if errors.Is(err, io.EOF) {
			if cerr := r.dec.Close(); cerr != nil {
				return nil, cerr
			}
			return nil, io.EOF
		}
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", r.index, err)
	}
	f := &Frame{Seq: uint64(r.index + 1), Index: r.index, Image: img}
	r.index++
	return f, nil
}

func (r *FileReader) Close() error {
	return r.dec.Close()
}

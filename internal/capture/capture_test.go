package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeDecoder hands out queued JPEG frames until the channel is closed.
type fakeDecoder struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeDecoder(buffer int) *fakeDecoder {
	return &fakeDecoder{frames: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (d *fakeDecoder) Grab() ([]byte, error) {
	select {
	case f, ok := <-d.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-d.closed:
		return nil, io.ErrClosedPipe
	}
}

func (d *fakeDecoder) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func solidJPEG(t *testing.T, gray uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = gray
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func grayAt(img image.Image, x, y int) uint8 {
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}

func waitForSeq(t *testing.T, s *LiveSource, seq uint64) *Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f := s.Get(); f != nil && f.Seq >= seq {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for frame %d", seq)
	return nil
}

func TestClassifySource(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"0", Device},
		{"/dev/video2", Device},
		{"rtsp://10.0.0.5/stream", Stream},
		{"HTTP://cam.local/mjpeg", Stream},
		{"/data/clip.mp4", File},
		{"clip.avi", File},
	}
	for _, tt := range tests {
		if got := ClassifySource(tt.in); got != tt.want {
			t.Errorf("ClassifySource(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	loc, args := ffmpegInput(Device, "1")
	if loc != "/dev/video1" || len(args) != 2 || args[1] != "v4l2" {
		t.Errorf("unexpected device input %q %v", loc, args)
	}
}

func TestLiveSourceReturnsNilBeforeFirstFrame(t *testing.T) {
	dec := newFakeDecoder(1)
	s := NewLiveSource(dec, false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if f := s.Get(); f != nil {
		t.Fatalf("expected nil frame, got seq %d", f.Seq)
	}
}

func TestLiveSourceKeepsLatestFrame(t *testing.T) {
	dec := newFakeDecoder(3)
	dec.frames <- solidJPEG(t, 0)
	dec.frames <- solidJPEG(t, 128)
	dec.frames <- solidJPEG(t, 255)

	s := NewLiveSource(dec, false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	// Starting twice must not spawn a second reader.
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	f := waitForSeq(t, s, 3)
	if f.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", f.Seq)
	}
	if g := grayAt(f.Image, 8, 8); g < 240 {
		t.Errorf("expected the newest (white) frame, got gray level %d", g)
	}
	if again := s.Get(); again != f {
		t.Error("expected cached frame on repeated Get")
	}
}

func TestLiveSourceStopWaitsForLoop(t *testing.T) {
	dec := newFakeDecoder(0)
	s := NewLiveSource(dec, false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := s.Err(); err != nil {
		t.Errorf("requested stop should not be reported as an error, got %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("expected restart after Stop to fail")
	}
}

func TestLiveSourceReportsStreamEnd(t *testing.T) {
	dec := newFakeDecoder(1)
	dec.frames <- solidJPEG(t, 10)
	close(dec.frames)

	s := NewLiveSource(dec, false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(s.Err(), ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", s.Err())
	}
	if f := s.Get(); f == nil {
		t.Error("last frame should remain available after the stream ends")
	}
}

func TestFileReaderSequential(t *testing.T) {
	dec := newFakeDecoder(3)
	for _, g := range []uint8{0, 128, 255} {
		dec.frames <- solidJPEG(t, g)
	}
	close(dec.frames)

	r := NewFileReader(dec)
	for i := 0; i < 3; i++ {
		f, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Index != i {
			t.Errorf("expected index %d, got %d", i, f.Index)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestMirror(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 13, 11))
	src.Set(10, 10, color.RGBA{255, 0, 0, 255})
	src.Set(12, 10, color.RGBA{0, 0, 255, 255})

	got := Mirror(src)
	if got.Bounds() != image.Rect(0, 0, 3, 1) {
		t.Fatalf("unexpected bounds %v", got.Bounds())
	}
	if c := got.RGBAAt(0, 0); c.B != 255 || c.R != 0 {
		t.Errorf("left pixel should be blue, got %v", c)
	}
	if c := got.RGBAAt(2, 0); c.R != 255 || c.B != 0 {
		t.Errorf("right pixel should be red, got %v", c)
	}
}

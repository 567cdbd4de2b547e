package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/vigil/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrSourceUnavailable is returned when a camera or file cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStreamEnded is reported by a live source whose decoder stopped producing frames.
	ErrStreamEnded = errors.New("stream ended")
)

// Frame is a decoded picture. Seq increases by one for every frame the
// decoder produced, including the ones a live source discarded.
type Frame struct {
	Seq   uint64
	Index int
	Image image.Image
}

// Kind classifies a source locator.
type Kind int

const (
	File Kind = iota
	Stream
	Device
)

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Device:
		return "device"
	default:
		return "file"
	}
}

var streamSchemes = map[string]bool{
	"rtsp": true, "rtsps": true, "rtmp": true, "http": true, "https": true,
	"udp": true, "tcp": true, "srt": true,
}

// ClassifySource decides whether a locator is a capture device, a network stream or a file.
// Bare integers are device indexes (0 is /dev/video0).
func ClassifySource(locator string) Kind {
	if _, err := strconv.Atoi(locator); err == nil {
		return Device
	}
	if strings.HasPrefix(locator, "/dev/video") {
		return Device
	}
	if u, err := url.Parse(locator); err == nil && streamSchemes[strings.ToLower(u.Scheme)] {
		return Stream
	}
	return File
}

// ffmpegInput returns the locator and demuxer arguments ffmpeg/ffprobe need for a kind.
func ffmpegInput(kind Kind, locator string) (string, []string) {
	switch kind {
	case Device:
		if _, err := strconv.Atoi(locator); err == nil {
			locator = "/dev/video" + locator
		}
		return locator, []string{"-f", "v4l2"}
	case Stream:
		if strings.HasPrefix(strings.ToLower(locator), "rtsp") {
			return locator, []string{"-rtsp_transport", "tcp"}
		}
		return locator, nil
	default:
		return locator, nil
	}
}

// Decoder yields encoded frames from a media source.
// The slice returned by Grab is only valid until the next call.
type Decoder interface {
	Grab() ([]byte, error)
	Close() error
}

// ffmpegDecoder reads MJPEG frames from an ffmpeg image2pipe process.
type ffmpegDecoder struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  bytes.Buffer

	eof       atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newFFmpegDecoder(ctx context.Context, locator string, inputArgs []string) (*ffmpegDecoder, error) {
	ctx, cancel := context.WithCancel(ctx)
	d := &ffmpegDecoder{cancel: cancel}
	d.cmd = utils.NewFFmpegCmd(ctx, locator, inputArgs)
	d.cmd.Stderr = &d.stderr

	out, err := d.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := d.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d.scanner = bufio.NewScanner(out)
	d.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	d.scanner.Split(utils.SplitJpeg)
	return d, nil
}

func (d *ffmpegDecoder) Grab() ([]byte, error) {
	if d.scanner.Scan() {
		return d.scanner.Bytes(), nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	d.eof.Store(true)
	return nil, io.EOF
}

// Close stops ffmpeg. After a natural end of stream it reports ffmpeg's exit
// status; after an early close the kill is expected and not an error.
func (d *ffmpegDecoder) Close() error {
	d.closeOnce.Do(func() {
		finished := d.eof.Load()
		if !finished {
			d.cancel()
		}
		err := d.cmd.Wait()
		d.cancel()
		if finished && err != nil {
			if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
				d.closeErr = fmt.Errorf("ffmpeg execution failed: %w: %s", err, msg)
			} else {
				d.closeErr = fmt.Errorf("ffmpeg execution failed: %w", err)
			}
		}
	})
	return d.closeErr
}

package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// Request opcodes understood by python/worker.py.
const (
	opDetect    byte = 1
	opLandmarks byte = 2
	opEmbed     byte = 3
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxReply guards against a corrupted length header allocating gigabytes.
const maxReply = 64 * 1024 * 1024

// ErrCrashed means the engine process or its pipes failed. The engine is unusable afterwards.
var ErrCrashed = errors.New("engine crashed")

// Error is a recoverable failure reported by the engine for a single request.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("python worker error (%s): %s", e.Op, e.Msg)
}

// PythonEngine drives one python/worker.py process. Requests go to stdin,
// replies come back on a dedicated pipe (FD 3) so library noise on stdout
// never corrupts the protocol.
//
// Request:  [u32 len][op][body]
// Response: [u32 len][status][payload]
type PythonEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu       sync.Mutex
	crashed  bool
	lastImg  image.Image
	lastJPEG []byte
}

// NewPythonEngine starts the worker script with the given interpreter.
func NewPythonEngine(ctx context.Context, id int, python, script string) (*PythonEngine, error) {
	py := utils.NewSafeCommand(ctx, python, "-u", script)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}
	w.Close()

	return &PythonEngine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// DetectFaces returns face boxes in the coordinate space of img.
func (e *PythonEngine) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A new frame starts here. The caller may have reused the buffer.
	e.forget()
	frame, err := e.encode(img)
	if err != nil {
		return nil, err
	}
	resp, err := e.communicate(opDetect, "detect", frame)
	if err != nil {
		e.forget()
		return nil, err
	}

	r := bytes.NewReader(resp)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, e.malformed("detect", err)
	}
	if int64(n)*16 > int64(r.Len()) {
		return nil, e.malformed("detect", fmt.Errorf("%d boxes exceed payload", n))
	}
	raw := make([][4]int32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, e.malformed("detect", err)
	}

	origin := img.Bounds().Min
	boxes := make([]image.Rectangle, 0, n)
	for _, b := range raw {
		box := image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])).Add(origin)
		boxes = append(boxes, box)
	}
	if len(boxes) == 0 {
		e.forget()
	}
	return boxes, nil
}

// PredictLandmarks returns facial keypoints for a box previously returned by DetectFaces.
func (e *PythonEngine) PredictLandmarks(img image.Image, box image.Rectangle) (types.Landmarks, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame, err := e.encode(img)
	if err != nil {
		return nil, err
	}
	local := box.Sub(img.Bounds().Min)

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, [4]int32{
		int32(local.Min.X), int32(local.Min.Y), int32(local.Max.X), int32(local.Max.Y),
	})
	body.Write(frame)

	resp, err := e.communicate(opLandmarks, "landmarks", body.Bytes())
	if err != nil {
		return nil, err
	}
	return e.readPoints("landmarks", resp, img.Bounds().Min)
}

// EmbedFace returns the face descriptor for a set of landmarks.
func (e *PythonEngine) EmbedFace(img image.Image, lm types.Landmarks) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame, err := e.encode(img)
	if err != nil {
		return nil, err
	}
	origin := img.Bounds().Min

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(len(lm)))
	for _, p := range lm {
		binary.Write(body, binary.BigEndian, [2]int32{int32(p.X - origin.X), int32(p.Y - origin.Y)})
	}
	body.Write(frame)

	resp, err := e.communicate(opEmbed, "embed", body.Bytes())
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(resp)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, e.malformed("embed", err)
	}
	if int64(dim)*4 > int64(r.Len()) {
		return nil, e.malformed("embed", fmt.Errorf("dimension %d exceeds payload", dim))
	}
	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, e.malformed("embed", err)
	}
	vec := make([]float64, dim)
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}

// encode memoizes the JPEG of the frame passed to DetectFaces, so landmarks
// and embed calls on its faces reuse it. The entry lives until the next
// detection, an empty detection, or Close.
func (e *PythonEngine) encode(img image.Image) ([]byte, error) {
	if e.lastImg == img && e.lastJPEG != nil {
		return e.lastJPEG, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	e.lastImg = img
	e.lastJPEG = buf.Bytes()
	return e.lastJPEG, nil
}

func (e *PythonEngine) forget() {
	e.lastImg = nil
	e.lastJPEG = nil
}

func (e *PythonEngine) readPoints(op string, resp []byte, origin image.Point) (types.Landmarks, error) {
	r := bytes.NewReader(resp)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, e.malformed(op, err)
	}
	if int64(n)*8 > int64(r.Len()) {
		return nil, e.malformed(op, fmt.Errorf("%d points exceed payload", n))
	}
	raw := make([][2]int32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, e.malformed(op, err)
	}
	pts := make(types.Landmarks, n)
	for i, p := range raw {
		pts[i] = image.Pt(int(p[0]), int(p[1])).Add(origin)
	}
	return pts, nil
}

// communicate sends one request and returns the payload of a successful reply.
// Caller holds e.mu.
func (e *PythonEngine) communicate(op byte, name string, body []byte) ([]byte, error) {
	if e.crashed {
		return nil, fmt.Errorf("%w: engine %d is no longer running", ErrCrashed, e.ID)
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(body)+1))
	header[4] = op
	if _, err := e.Stdin.Write(header); err != nil {
		return nil, e.crash(err)
	}
	if _, err := e.Stdin.Write(body); err != nil {
		return nil, e.crash(err)
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, lenBuf); err != nil {
		return nil, e.crash(err)
	}
	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen == 0 || respLen > maxReply {
		return nil, e.crash(fmt.Errorf("invalid reply length %d", respLen))
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, resp); err != nil {
		return nil, e.crash(err)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int64(msgLen) > int64(r.Len()) {
			return nil, &Error{Op: name, Msg: "unreadable error message"}
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, &Error{Op: name, Msg: string(msg)}
	default:
		return nil, e.crash(fmt.Errorf("unknown status byte %d", resp[0]))
	}
}

func (e *PythonEngine) crash(err error) error {
	e.crashed = true
	return fmt.Errorf("%w: engine %d: %v", ErrCrashed, e.ID, err)
}

func (e *PythonEngine) malformed(op string, err error) error {
	e.crashed = true
	return fmt.Errorf("%w: engine %d sent a malformed %s reply: %v", ErrCrashed, e.ID, op, err)
}

// Close ends the worker gracefully: closing stdin lets the script exit its read loop.
func (e *PythonEngine) Close() error {
	e.mu.Lock()
	e.forget()
	e.mu.Unlock()

	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}

// Abort kills the process without waiting for the current request.
// A request in flight fails with ErrCrashed.
func (e *PythonEngine) Abort() {
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
	e.DataPipe.Close()
}

package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/tidwall/gjson"
)

// ALPR recognizes plates by running the OpenALPR command line tool on each frame.
type ALPR struct {
	Command string
	Country string
	Config  string

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
	run     func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

func NewALPR(ctx context.Context, command, country, config string) *ALPR {
	ctx, cancel := context.WithCancel(ctx)
	return &ALPR{Command: command, Country: country, Config: config, ctx: ctx, cancel: cancel, run: runCommand}
}

// Abort kills a recognition in progress. Every later call fails with ErrCrashed.
func (a *ALPR) Abort() {
	a.aborted.Store(true)
	a.cancel()
}

// Close releases the recognizer.
func (a *ALPR) Close() error {
	a.cancel()
	return nil
}

func (a *ALPR) args() []string {
	args := []string{"-c", a.Country, "-n", "1", "-j"}
	if a.Config != "" {
		args = append(args, "--config", a.Config)
	}
	return append(args, "-")
}

// RecognizePlate returns the top reading, or nil when no plate is visible.
func (a *ALPR) RecognizePlate(img image.Image) (*types.PlateCandidate, error) {
	if a.aborted.Load() {
		return nil, fmt.Errorf("%w: alpr aborted", ErrCrashed)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	out, err := a.run(a.ctx, a.Command, a.args(), buf.Bytes())
	if err != nil {
		if a.aborted.Load() {
			return nil, fmt.Errorf("%w: alpr aborted: %v", ErrCrashed, err)
		}
		return nil, &Error{Op: "alpr", Msg: err.Error()}
	}
	return ParseALPR(out)
}

// ParseALPR extracts the best result from OpenALPR's JSON output.
// Confidence is reported by alpr in percent and returned in [0,1].
func ParseALPR(data []byte) (*types.PlateCandidate, error) {
	if !gjson.ValidBytes(data) {
		return nil, &Error{Op: "alpr", Msg: "invalid JSON output"}
	}
	best := gjson.GetBytes(data, "results.0")
	if !best.Exists() {
		return nil, nil
	}
	plate := best.Get("plate").String()
	if plate == "" {
		return nil, nil
	}
	return &types.PlateCandidate{
		Plate:      plate,
		Confidence: best.Get("confidence").Float() / 100,
	}, nil
}

func runCommand(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := utils.NewSafeCommand(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	// Bounds the wait for pipes held open by children of a killed alpr.
	cmd.WaitDelay = time.Second
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(cmd.Stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// This ensures we don't lose critical crash information if an engine dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Die is the unified exit strategy for the CLI.
// It prints a formatted error box and dumps engine logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// ShowError prints the same error box as Die without exiting.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VIGIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine (Shared by live capture & batch analysis) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func runFFprobe(ctx context.Context, args ...string) (*ffprobeOutput, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffprobe failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	return &res, nil
}

// CheckSource checks that ffprobe can open the source and find a video stream.
// inputArgs are the same demuxer arguments later passed to ffmpeg (e.g. "-f", "v4l2").
func CheckSource(ctx context.Context, locator string, inputArgs []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-v", "error"}
	args = append(args, inputArgs...)
	args = append(args, "-select_streams", "v:0", "-show_entries", "stream=codec_type", "-of", "json", locator)
	res, err := runFFprobe(ctx, args...)
	if err != nil {
		return err
	}
	if len(res.Streams) == 0 {
		return fmt.Errorf("no video stream in %s", locator)
	}
	return nil
}

// GetVideoFPS reads the frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := runFFprobe(ctx, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,avg_frame_rate", "-of", "json", path)
	if err != nil {
		return 0, err
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream in %s", path)
	}
	fps, err := ParseFrameRate(res.Streams[0].AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = ParseFrameRate(res.Streams[0].RFrameRate)
	}
	if err != nil {
		return 0, err
	}
	if fps <= 0 {
		return 0, fmt.Errorf("invalid frame rate for %s", path)
	}
	return fps, nil
}

// ParseFrameRate parses ffprobe rationals such as "30000/1001" or plain numbers.
func ParseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q: zero denominator", s)
	}
	return n / d, nil
}

// GetTotalFrames uses ffprobe to count frames for progress accounting.
// It returns 0 if the count fails.
func GetTotalFrames(ctx context.Context, path string) int {
	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	if res, err := runFFprobe(ctx, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path); err == nil && len(res.Streams) > 0 {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	res, err := runFFprobe(ctx, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	if err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
// inputArgs are demuxer options placed before -i (e.g. "-rtsp_transport", "tcp").
func NewFFmpegCmd(ctx context.Context, locator string, inputArgs []string) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, inputArgs...)
	args = append(args, "-i", locator, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// FmtTime renders seconds as HH:MM:SS.
func FmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

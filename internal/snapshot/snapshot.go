package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrExists is returned when a snapshot would overwrite an earlier one.
var ErrExists = errors.New("snapshot already exists")

// Stamp formats t as YYYYmmddHHMMSS followed by six digits of microseconds.
func Stamp(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}

// Store lays out camera snapshots as <root>/<cameraID>/<stamp>.png.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

// CameraDir is the snapshot directory of one camera.
func (s *Store) CameraDir(cameraID int) string {
	return filepath.Join(s.Root, strconv.Itoa(cameraID))
}

// CameraPath is the snapshot path for a frame captured at t.
func (s *Store) CameraPath(cameraID int, t time.Time) string {
	return filepath.Join(s.CameraDir(cameraID), Stamp(t)+".png")
}

// Save writes img as PNG. Existing files are never replaced.
func (s *Store) Save(path string, img image.Image) error {
	return Save(path, img)
}

// RemoveCamera deletes every snapshot of a camera.
func (s *Store) RemoveCamera(cameraID int) error {
	return os.RemoveAll(s.CameraDir(cameraID))
}

// Save writes img as PNG to path, creating parent directories.
// An existing file is never replaced.
func Save(path string, img image.Image) error {
	return write(path, img, os.O_EXCL)
}

// Overwrite writes img as PNG to path, replacing any earlier file.
// Batch runs use it so a report can be regenerated in place.
func Overwrite(path string, img image.Image) error {
	return write(path, img, os.O_TRUNC)
}

func write(path string, img image.Image, mode int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|mode, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return f.Close()
}

// FrameName names the snapshot of a frame from a batch input file.
func FrameName(file string, index int) string {
	return fmt.Sprintf("%s_%d.png", file, index)
}

// ImagesDir is the snapshot directory next to a report: report.csv -> report_images.
func ImagesDir(reportPath string) string {
	base := filepath.Base(reportPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(reportPath), base+"_images")
}

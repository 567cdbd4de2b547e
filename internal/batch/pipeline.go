package batch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/andresmejia3/vigil/internal/capture"
	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/snapshot"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrWorkerFailed aborts a run: a pool worker hit an error it cannot confine to one frame.
var ErrWorkerFailed = errors.New("analysis worker failed")

// FrameReader reads every frame of one file in order.
type FrameReader interface {
	Next() (*capture.Frame, error)
	Close() error
}

// Pipeline analyses video files with a fixed pool of workers.
type Pipeline struct {
	Workers int
	Targets types.Targets
	Options recognition.Options
	ROI     *types.ROI

	Engines   recognition.EngineFactory
	Report    ReportWriter
	ImagesDir string

	// Progress receives the completed percentage after every queued frame.
	Progress func(percent float64)
	Logger   zerolog.Logger

	Open         func(ctx context.Context, path string) (FrameReader, error)
	ReadMetadata func(ctx context.Context, path string) (capture.Metadata, error)
	Save         func(path string, img image.Image) error
}

// Result summarizes a run. Durations are in seconds of video.
type Result struct {
	RunID   string
	Files   int
	Failed  int
	Done    float64
	Total   float64
	Success bool
}

type workItem struct {
	file  string
	index int
	fps   float64
	img   image.Image
}

type fileMeta struct {
	meta capture.Metadata
	err  error
}

func openFile(ctx context.Context, path string) (FrameReader, error) {
	r, err := capture.OpenFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Pipeline) defaults() {
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	if p.Open == nil {
		p.Open = openFile
	}
	if p.ReadMetadata == nil {
		p.ReadMetadata = capture.ReadMetadata
	}
	if p.Save == nil {
		p.Save = snapshot.Overwrite
	}
}

// Run processes files in order. Per-file and per-frame problems become error
// records and the run goes on; a worker failure aborts the run and is returned.
func (p *Pipeline) Run(ctx context.Context, files []string) (*Result, error) {
	p.defaults()
	res := &Result{RunID: uuid.NewString(), Files: len(files)}
	log := p.Logger.With().Str("run", res.RunID).Logger()

	if err := os.MkdirAll(p.ImagesDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create images directory: %w", err)
	}

	metas := make([]fileMeta, len(files))
	for i, f := range files {
		m, err := p.ReadMetadata(ctx, f)
		metas[i] = fileMeta{meta: m, err: err}
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("cannot read metadata")
			continue
		}
		res.Total += m.Duration()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	queue := NewJoinableQueue[workItem](p.Workers)
	results := &resultQueue{}

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := p.worker(ctx, id, queue, results); err != nil {
				log.Error().Err(err).Int("worker", id).Msg("worker failed")
				cancel(fmt.Errorf("%w: worker %d: %v", ErrWorkerFailed, id, err))
			}
		}(i)
	}

	abort := func(err error) (*Result, error) {
		cancel(err)
		wg.Wait()
		p.Report.Write(results.Drain()...)
		p.Report.Write([]string{abortPrefix + " " + err.Error()})
		return res, err
	}

	for i, f := range files {
		name := filepath.Base(f)
		if metas[i].err != nil {
			res.Failed++
			if err := p.Report.Write(errorRecord(name, "", metas[i].err)); err != nil {
				return abort(err)
			}
			continue
		}

		flog := log.With().Str("file", name).Logger()
		flog.Info().Float64("fps", metas[i].meta.FPS).Int("frames", metas[i].meta.Frames).Msg("analysing file")

		count, err := p.feed(ctx, cancel, f, name, metas[i].meta, res, queue, results)
		if cause := context.Cause(ctx); cause != nil {
			return abort(cause)
		}
		if err != nil {
			res.Failed++
			flog.Warn().Err(err).Int("frames", count).Msg("file incomplete")
			if werr := p.Report.Write(errorRecord(name, "", err)); werr != nil {
				return abort(werr)
			}
			continue
		}
		res.Done += float64(min(count, metas[i].meta.Frames)) / metas[i].meta.FPS
	}

	queue.Close()
	wg.Wait()
	if cause := context.Cause(ctx); cause != nil {
		return abort(cause)
	}
	if err := p.Report.Write(results.Drain()...); err != nil {
		return res, err
	}

	res.Success = res.Failed == 0 && res.Done == res.Total
	if err := p.Report.Write([]string{p.summary(res)}); err != nil {
		return res, err
	}
	log.Info().Bool("success", res.Success).Float64("done", res.Done).Float64("total", res.Total).Msg("analysis finished")
	return res, nil
}

// feed queues every frame of one file, then waits for the workers to finish them.
// It returns the number of frames queued and the read error that cut the file short, if any.
// A report write failure cancels the run.
func (p *Pipeline) feed(ctx context.Context, cancel context.CancelCauseFunc, path, name string, meta capture.Metadata, res *Result, queue *JoinableQueue[workItem], results *resultQueue) (int, error) {
	r, err := p.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var readErr error
	count := 0
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}

		if err := queue.Put(ctx, workItem{file: name, index: count, fps: meta.FPS, img: frame.Image}); err != nil {
			return count, err
		}
		count++

		if p.Progress != nil && res.Total > 0 {
			p.Progress(math.Min(100, 100*(res.Done+float64(count)/meta.FPS)/res.Total))
		}
		if err := p.Report.Write(results.Drain()...); err != nil {
			cancel(err)
			return count, err
		}
	}

	if err := queue.Join(ctx); err != nil {
		return count, err
	}
	if err := p.Report.Write(results.Drain()...); err != nil {
		cancel(err)
		return count, err
	}
	return count, readErr
}

func (p *Pipeline) worker(ctx context.Context, id int, queue *JoinableQueue[workItem], results *resultQueue) error {
	eng, err := p.Engines(ctx, id, p.Options.Faces, p.Options.Plates)
	if err != nil {
		return fmt.Errorf("failed to start engines: %w", err)
	}
	defer eng.Close()

	analyzer := &recognition.Analyzer{Engines: eng, Targets: p.Targets, Options: p.Options}
	for {
		item, ok := queue.Get(ctx)
		if !ok {
			return nil
		}
		err := p.process(analyzer, item, results)
		queue.TaskDone()
		if err != nil {
			return err
		}
	}
}

// process analyses one frame. Only failures that compromise the whole run are returned.
func (p *Pipeline) process(a *recognition.Analyzer, item workItem, results *resultQueue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on %s frame %d: %v", item.file, item.index, r)
		}
	}()

	at := utils.FmtTime(float64(item.index) / item.fps)
	res, err := a.Analyze(item.img, p.ROI)
	if err != nil {
		if recognition.IsFatal(err) {
			return err
		}
		results.Push(errorRecord(item.file, at, err))
		return nil
	}
	if !res.Qualifies() {
		return nil
	}

	frameName := snapshot.FrameName(item.file, item.index)
	if err := p.Save(filepath.Join(p.ImagesDir, frameName), recognition.Annotate(res)); err != nil {
		return err
	}

	var records [][]string
	for _, f := range res.Faces {
		target := ""
		if f.Target != nil {
			target = f.Target.Name
		}
		records = append(records, []string{item.file, at, TypeFace, target, "", frameName})
	}
	if pl := res.Plate; pl != nil {
		target := ""
		if pl.Target != nil {
			target = pl.Target.Name
		}
		records = append(records, []string{item.file, at, TypePlate, target, pl.Plate, frameName})
	}
	results.Push(records...)
	return nil
}

func (p *Pipeline) summary(res *Result) string {
	prefix := missingPrefix
	if res.Success {
		prefix = successPrefix
	}
	msg := fmt.Sprintf("%s %ss / %ss", prefix, formatSeconds(res.Done), formatSeconds(res.Total))
	if p.ROI != nil {
		msg += " WITH ROI: " + p.ROI.String()
	}
	return msg
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

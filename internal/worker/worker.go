// Package worker advances queued jobs to a terminal state: it converts
// uploads to GLB and simulates AI generation with timed progress steps.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/convert"
	"github.com/meshport/meshport/internal/fileclass"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/storage"
)

// Publisher receives every snapshot a job goes through.
type Publisher interface {
	Publish(s job.Snapshot)
}

// Recorder receives job timing.
type Recorder interface {
	JobStarted()
	JobFinished(kind, status string, d time.Duration)
}

type Config struct {
	Workers   int
	StepDelay time.Duration
	// PollInterval is how often the queue is checked when nobody calls Notify.
	PollInterval time.Duration
	// Instance is the owner name used to claim and recover jobs.
	Instance string
}

type Processor struct {
	cfg       Config
	store     job.JobStore
	files     *storage.Store
	conv      *convert.Converter
	publisher Publisher
	recorder  Recorder
	logger    *zap.Logger

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, store job.JobStore, files *storage.Store, conv *convert.Converter, logger *zap.Logger) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:    cfg,
		store:  store,
		files:  files,
		conv:   conv,
		logger: logger.With(zap.String("component", "worker")),
		wake:   make(chan struct{}, 1),
		sem:    make(chan struct{}, cfg.Workers),
	}
}

func (p *Processor) SetPublisher(pub Publisher) { p.publisher = pub }
func (p *Processor) SetRecorder(r Recorder)     { p.recorder = r }

// Notify wakes the dispatch loop after a job was queued.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Recover fails jobs this instance left processing in a previous run,
// which can happen with the persistent stores. Jobs run by other
// instances sharing the store are left alone.
func (p *Processor) Recover() int {
	processing, _ := p.store.List(0, 0, string(job.StatusProcessing))
	recovered := 0
	for _, j := range processing {
		if j.Owner != p.cfg.Instance {
			continue
		}
		if err := p.store.Fail(j.ID, "Interrupted by a server restart"); err != nil {
			p.logger.Warn("failed to recover job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		p.publish(j.ID)
		recovered++
	}
	if recovered > 0 {
		p.logger.Info("recovered interrupted jobs", zap.Int("count", recovered))
	}
	return recovered
}

// Run dispatches pending jobs until ctx is done, then waits for the jobs
// in flight.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	defer p.wg.Wait()

	for {
		p.dispatch(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Processor) dispatch(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			// Every worker is busy; the next wake-up retries.
			return
		}

		j := p.store.Claim(p.cfg.Instance)
		if j == nil {
			<-p.sem
			return
		}
		p.publish(j.ID)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, j)
			// A slot is free again.
			p.Notify()
		}()
	}
}

func (p *Processor) process(ctx context.Context, j *job.Job) {
	log := p.logger.With(zap.String("job_id", j.ID), zap.String("kind", string(j.Kind)))
	log.Info("processing job")
	start := time.Now()
	if p.recorder != nil {
		p.recorder.JobStarted()
	}

	var (
		modelURL string
		err      error
	)
	switch j.Kind {
	case job.KindConversion:
		modelURL, err = p.convertUpload(ctx, j)
	case job.KindTripoText, job.KindTripoImage:
		modelURL, err = p.generate(ctx, j)
	default:
		err = fmt.Errorf("unknown job kind %q", j.Kind)
	}

	status := job.StatusCompleted
	switch {
	case err == nil:
		err = p.store.Complete(j.ID, modelURL)
	case errors.Is(err, context.Canceled):
		// Shutdown; Recover fails the job on the next start.
		log.Info("job interrupted")
		if p.recorder != nil {
			p.recorder.JobFinished(string(j.Kind), "interrupted", time.Since(start))
		}
		return
	default:
		status = job.StatusFailed
		log.Warn("job failed", zap.Error(err))
		err = p.store.Fail(j.ID, failureMessage(err))
	}
	if err != nil {
		log.Error("failed to record job result", zap.Error(err))
	}
	p.publish(j.ID)

	if p.recorder != nil {
		p.recorder.JobFinished(string(j.Kind), string(status), time.Since(start))
	}
	_ = p.files.DeleteAll(storage.NamespaceUploads, j.ID)
	log.Info("job finished", zap.String("status", string(status)), zap.Duration("duration", time.Since(start)))
}

// userError is a failure whose message is meant for the user as is.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func failureMessage(err error) string {
	var ue *userError
	if errors.As(err, &ue) {
		return ue.msg
	}
	return "Conversion failed"
}

func modelPath(id string) string { return id + ".glb" }

func modelURL(name string) string { return "/models/" + name }

// convertUpload turns the uploaded files of j into models/{id}.glb.
func (p *Processor) convertUpload(ctx context.Context, j *job.Job) (string, error) {
	if err := p.step(ctx, j, 10); err != nil {
		return "", err
	}

	src, err := primaryModel(j.InputFiles)
	if err != nil {
		return "", err
	}
	rel := path.Join(j.ID, src)

	var out bytes.Buffer
	switch fileclass.Extension(src) {
	case "glb":
		data, err := p.files.Get(storage.NamespaceUploads, rel)
		if err != nil {
			return "", err
		}
		out.Write(data)
	case "gltf":
		full, err := p.files.Path(storage.NamespaceUploads, rel)
		if err != nil {
			return "", err
		}
		if err := p.step(ctx, j, 40); err != nil {
			return "", err
		}
		if err := p.conv.GLTFToGLB(full, &out); err != nil {
			return "", &userError{msg: "Invalid glTF file: " + err.Error()}
		}
	default:
		return "", &userError{msg: fmt.Sprintf("No converter available for .%s files", fileclass.Extension(src))}
	}

	if err := p.step(ctx, j, 90); err != nil {
		return "", err
	}
	name := modelPath(j.ID)
	if err := p.files.Put(storage.NamespaceModels, name, out.Bytes()); err != nil {
		return "", err
	}
	return modelURL(name), nil
}

// primaryModel picks the file to convert: a .gltf or .glb wins over other
// model formats, then the shortest path.
func primaryModel(inputs []string) (string, error) {
	var models []string
	for _, f := range inputs {
		if fileclass.IsModel(f) {
			models = append(models, f)
		}
	}
	if len(models) == 0 {
		return "", &userError{msg: "No 3D model found in upload"}
	}
	rank := func(f string) int {
		switch fileclass.Extension(f) {
		case "gltf":
			return 0
		case "glb":
			return 1
		}
		return 2
	}
	sort.SliceStable(models, func(a, b int) bool {
		ra, rb := rank(models[a]), rank(models[b])
		if ra != rb {
			return ra < rb
		}
		return len(models[a]) < len(models[b])
	})
	return models[0], nil
}

var generationSteps = []int{10, 25, 40, 55, 70, 85, 95}

// generate stands in for the AI provider: it walks through progress steps
// and writes a placeholder model describing the request.
func (p *Processor) generate(ctx context.Context, j *job.Job) (string, error) {
	extras := map[string]any{"jobId": j.ID, "kind": string(j.Kind)}
	if j.Prompt != "" {
		extras["prompt"] = j.Prompt
	}
	if len(j.Options) > 0 {
		extras["options"] = j.Options
	}

	var image []byte
	if j.Kind == job.KindTripoImage {
		if len(j.InputFiles) == 0 {
			return "", &userError{msg: "No image uploaded"}
		}
		rc, err := p.files.Open(storage.NamespaceUploads, path.Join(j.ID, j.InputFiles[0]))
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		image, _, err = p.conv.NormalizeImage(bytes.NewReader(data))
		if err != nil {
			return "", &userError{msg: "Could not read the uploaded image"}
		}
		if thumb, err := p.conv.Thumbnail(bytes.NewReader(data), 256); err == nil {
			_ = p.files.Put(storage.NamespaceModels, j.ID+"_preview.jpg", thumb)
		}
	}

	for _, pct := range generationSteps {
		if err := p.step(ctx, j, pct); err != nil {
			return "", err
		}
	}

	name := placeholderName(j)
	data, err := p.conv.Placeholder(name, extras, image)
	if err != nil {
		return "", err
	}
	file := modelPath(j.ID)
	if err := p.files.Put(storage.NamespaceModels, file, data); err != nil {
		return "", err
	}
	return modelURL(file), nil
}

const maxNameRunes = 64

func placeholderName(j *job.Job) string {
	name := strings.TrimSpace(j.Prompt)
	if name == "" && len(j.InputFiles) > 0 {
		name = strings.TrimSuffix(j.InputFiles[0], path.Ext(j.InputFiles[0]))
	}
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	if name == "" {
		name = "model"
	}
	return name
}

// step waits StepDelay, then records pct as the job's progress.
func (p *Processor) step(ctx context.Context, j *job.Job, pct int) error {
	if p.cfg.StepDelay > 0 {
		t := time.NewTimer(p.cfg.StepDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.SetProgress(j.ID, job.StatusProcessing, pct); err != nil {
		return err
	}
	p.publish(j.ID)
	return nil
}

func (p *Processor) publish(id string) {
	if p.publisher == nil {
		return
	}
	j, err := p.store.Get(id)
	if err != nil {
		return
	}
	p.publisher.Publish(j.Snapshot())
}

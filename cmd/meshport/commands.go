package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/dto"
	"github.com/meshport/meshport/internal/entry"
	"github.com/meshport/meshport/internal/fileclass"
	"github.com/meshport/meshport/internal/home"
	"github.com/meshport/meshport/internal/job"
	"github.com/meshport/meshport/internal/tracker"
)

func newUploadCmd(a *app) *cobra.Command {
	var includeHidden bool
	cmd := &cobra.Command{
		Use:   "upload <file-or-dir>...",
		Short: "Upload model files and wait for the converted model",
		Long: "Upload model files and their textures. Directories are walked recursively. " +
			"Supported model formats: " + strings.Join(fileclass.ModelExtensions(), ", ") + ".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := entry.FromPaths(args, entry.Options{SkipHidden: !includeHidden})
			if err != nil {
				return err
			}
			files := entry.Flatten(entries...)
			if err := entry.SelectUpload(files); err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(a.errOut, "  %s (%s)\n", f.Path, fileclass.FormatSize(f.Size))
			}

			res, err := a.track(cmd, a.interval(tracker.UploadInterval),
				tracker.ObserverFunc(a.client.JobStatus),
				func(ctx context.Context) (tracker.Submission, error) {
					resp, err := a.client.Upload(ctx, files, a.progressPrinter("uploading"))
					if err != nil {
						return tracker.Submission{}, err
					}
					return tracker.FromResponse(resp)
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, a.client.ResolveURL(res.URL))
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeHidden, "hidden", false, "include dot files found in directories")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a model from a text prompt or an image",
	}
	var of optionFlags

	text := &cobra.Command{
		Use:   "text <prompt>...",
		Short: "Generate a model from a text prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			opts, err := of.options(cmd, a.cfg.Generation)
			if err != nil {
				return err
			}
			res, err := a.track(cmd, a.interval(tracker.GenerationInterval),
				tracker.ObserverFunc(a.client.TripoStatus),
				func(ctx context.Context) (tracker.Submission, error) {
					resp, err := a.client.GenerateFromText(ctx, prompt, opts)
					if err != nil {
						return tracker.Submission{}, err
					}
					return tracker.FromResponse(resp)
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, a.client.ResolveURL(res.URL))
			return nil
		},
	}

	image := &cobra.Command{
		Use:   "image <file>",
		Short: "Generate a model from a PNG, JPEG or WebP image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := localFile(args[0])
			if err != nil {
				return err
			}
			opts, err := of.options(cmd, a.cfg.Generation)
			if err != nil {
				return err
			}
			res, err := a.track(cmd, a.interval(tracker.GenerationInterval),
				tracker.ObserverFunc(a.client.TripoStatus),
				func(ctx context.Context) (tracker.Submission, error) {
					resp, err := a.client.GenerateFromImage(ctx, img, opts, a.progressPrinter("uploading"))
					if err != nil {
						return tracker.Submission{}, err
					}
					return tracker.FromResponse(resp)
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, a.client.ResolveURL(res.URL))
			return nil
		},
	}

	of.register(cmd)
	cmd.AddCommand(text, image)
	return cmd
}

// optionFlags overlay generation options from the profile.
type optionFlags struct {
	modelVersion   string
	faceLimit      int
	texture        bool
	pbr            bool
	quad           bool
	negativePrompt string
	file           string
}

func (o *optionFlags) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.modelVersion, "model-version", "", "generation model version")
	f.IntVar(&o.faceLimit, "face-limit", 0, "maximum face count")
	f.BoolVar(&o.texture, "texture", false, "generate textures")
	f.BoolVar(&o.pbr, "pbr", false, "generate PBR materials")
	f.BoolVar(&o.quad, "quad", false, "quad mesh output")
	f.StringVar(&o.negativePrompt, "negative-prompt", "", "what the model should not contain")
	f.StringVar(&o.file, "options", "", "JSON file with generation options")
}

func (o *optionFlags) options(cmd *cobra.Command, base *dto.GenerationOptions) (*dto.GenerationOptions, error) {
	var opts dto.GenerationOptions
	if base != nil {
		opts = *base
	}
	if o.file != "" {
		data, err := os.ReadFile(o.file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &opts); err != nil {
			return nil, apperr.Validation(fmt.Sprintf("Invalid options file: %v", err), err).WithField("options")
		}
	}

	flags := cmd.Flags()
	if flags.Changed("model-version") {
		opts.ModelVersion = o.modelVersion
	}
	if flags.Changed("face-limit") {
		opts.FaceLimit = &o.faceLimit
	}
	if flags.Changed("texture") {
		opts.Texture = &o.texture
	}
	if flags.Changed("pbr") {
		opts.PBR = &o.pbr
	}
	if flags.Changed("quad") {
		opts.Quad = &o.quad
	}
	if flags.Changed("negative-prompt") {
		opts.NegativePrompt = o.negativePrompt
	}

	if opts == (dto.GenerationOptions{}) {
		return nil, nil
	}
	return &opts, nil
}

func localFile(p string) (*entry.File, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", p, entry.ErrNotRegular)
	}
	return &entry.File{
		Name: info.Name(),
		Path: filepath.ToSlash(filepath.Base(p)),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(p) },
	}, nil
}

func newHomeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "home <prompt>...",
		Short: "Generate a home floor plan with 3D models",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			res, err := a.track(cmd, a.interval(tracker.GenerationInterval), nil,
				func(ctx context.Context) (tracker.Submission, error) {
					resp, err := a.client.GenerateHome(ctx, prompt)
					if err != nil {
						return tracker.Submission{}, err
					}
					return tracker.Done(tracker.Resource{URL: resp.Model3D, Detail: resp}), nil
				})
			if err != nil {
				return err
			}

			resp, _ := res.Detail.(home.GenerationResponse)
			printHome(a, resp)
			return nil
		},
	}
}

func printHome(a *app, resp home.GenerationResponse) {
	fp := resp.Data
	fmt.Fprintf(a.out, "Home %s: %.0f x %.0f ft, %d rooms, %d furniture pieces\n",
		resp.ID, fp.TotalDimensions.WidthFt, fp.TotalDimensions.HeightFt, len(fp.Rooms), len(fp.Furniture))
	for _, r := range fp.Rooms {
		fmt.Fprintf(a.out, "  %-14s %5.1f x %5.1f ft\n", r.ID, r.Dimensions.WidthFt, r.Dimensions.HeightFt)
	}
	fmt.Fprintf(a.out, "plan:      %s\n", a.client.ResolveURL(resp.Plan2D))
	fmt.Fprintf(a.out, "model:     %s\n", a.client.ResolveURL(resp.Model3D))
	fmt.Fprintf(a.out, "furnished: %s\n", a.client.ResolveURL(resp.Furnished3D))
}

func newStatusCmd(a *app) *cobra.Command {
	var tripo bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print one snapshot of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fetch := a.client.JobStatus
			if tripo {
				fetch = a.client.TripoStatus
			}
			snap, err := fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSnapshot(a.out, a.client.ResolveURL, snap)
		},
	}
	cmd.Flags().BoolVar(&tripo, "tripo", false, "query the generation status endpoint")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream job snapshots until the job finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := a.client.WatchJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var last job.Snapshot
			for s := range snaps {
				last = s
				if err := printSnapshot(a.out, a.client.ResolveURL, s); err != nil {
					return err
				}
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if last.Status == job.StatusFailed {
				return fmt.Errorf("job %s failed: %s", last.ID, last.Error)
			}
			return nil
		},
	}
}

func printSnapshot(w io.Writer, resolve func(string) string, s job.Snapshot) error {
	if s.ModelURL != "" {
		s.ModelURL = resolve(s.ModelURL)
	}
	enc := json.NewEncoder(w)
	return enc.Encode(s)
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.client.Health(cmd.Context()) {
				return fmt.Errorf("backend at %s is not healthy", a.client.BaseURL())
			}
			fmt.Fprintf(a.out, "backend at %s is healthy\n", a.client.BaseURL())
			return nil
		},
	}
}

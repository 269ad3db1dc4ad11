package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/service"
)

var (
	cleanReq    service.CleanRequest
	generateReq service.GenerateRequest
	inferReq    service.InferRequest
	exportReq   service.ExportRequest
	downloadReq service.DownloadRequest

	flagTemperature float64
)

func init() {
	f := cleanCmd.Flags()
	f.StringVar(&cleanReq.ProjectID, "project", "", "project id")
	f.StringVar(&cleanReq.Lang, "lang", service.DefaultLang, "language of the raw data")

	f = generateCmd.Flags()
	f.StringVar(&generateReq.ProjectID, "project", "", "project id")
	f.StringVar(&generateReq.Mode, "mode", "", "generation mode")
	f.StringVar(&generateReq.Model, "model", "", "model used for the generation")
	f.StringVar(&generateReq.Source, "source", "", "model source: ollama, builtin or mlx")
	f.BoolVar(&generateReq.Resume, "resume", false, "resume an interrupted generation")
	f.StringVar(&generateReq.Lang, "lang", service.DefaultLang, "language of the dataset")

	f = inferCmd.Flags()
	f.StringVar(&inferReq.ProjectID, "project", "", "project id, its latest adapter is used")
	f.StringVar(&inferReq.Prompt, "prompt", "", "prompt")
	f.StringVar(&inferReq.Model, "model", "", "base model")
	f.StringVar(&inferReq.AdapterPath, "adapter-path", "", "adapter, default is the latest adapter of the project")
	f.IntVar(&inferReq.MaxTokens, "max-tokens", service.DefaultMaxTokens, "maximum number of generated tokens")
	f.Float64Var(&flagTemperature, "temp", service.DefaultTemperature, "sampling temperature")
	f.StringVar(&inferReq.Lang, "lang", service.DefaultLang, "language")

	f = exportCmd.Flags()
	f.StringVar(&exportReq.ProjectID, "project", "", "project id")
	f.StringVar(&exportReq.ModelName, "model-name", "", "name of the created Ollama model")
	f.StringVar(&exportReq.Model, "model", "", "base model")
	f.StringVar(&exportReq.AdapterPath, "adapter-path", "", "adapter, default is the latest adapter of the project")
	f.StringVar(&exportReq.Quantization, "quantization", service.DefaultQuantization, "quantization")

	runCmd.AddCommand(cleanCmd, generateCmd, inferCmd, exportCmd, downloadCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run one worker in the foreground, events are printed as JSON lines",
	Long: `run one worker in the foreground

Events are printed to stdout as JSON lines. Ctrl-C stops the worker the same
way the stop button of the UI does.`,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "clean the raw files of a project",
	Args:  cobra.NoArgs,
	RunE: foreground("clean", func(ctx context.Context, s *service.Supervisor) (service.Ack, error) {
		return s.Clean(ctx, cleanReq)
	}),
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "generate a new dataset version",
	Args:  cobra.NoArgs,
	RunE: foreground("generate", func(ctx context.Context, s *service.Supervisor) (service.Ack, error) {
		return s.Generate(ctx, generateReq)
	}),
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "run a prompt against a model",
	Args:  cobra.NoArgs,
	RunE: foreground("infer", func(ctx context.Context, s *service.Supervisor) (service.Ack, error) {
		req := inferReq
		req.Temperature = &flagTemperature
		return s.Infer(ctx, req)
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "export the adapter as an Ollama model",
	Args:  cobra.NoArgs,
	RunE: foreground("export", func(ctx context.Context, s *service.Supervisor) (service.Ack, error) {
		return s.Export(ctx, exportReq)
	}),
}

var downloadCmd = &cobra.Command{
	Use:   "download <repo-id>",
	Short: "download a model repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		downloadReq.RepoID = args[0]
		return foreground("download", func(ctx context.Context, s *service.Supervisor) (service.Ack, error) {
			return s.Download(ctx, downloadReq)
		})(cmd, args)
	},
}

// outcome watches the events of a foreground run. The terminal event decides
// the result. An error reported by the worker counts only if the run ends
// without one, which is the case when the worker failed on its own terms.
type outcome struct {
	mx       sync.Mutex
	final    event.Payload
	reported string
}

func (o *outcome) Emit(_ context.Context, ev event.Event) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	p := ev.Payload()
	if ev.Final {
		o.final = p
		return nil
	}
	if m, ok := p.(event.Message); ok && m.Type == event.TypeError {
		o.reported = m.Message
	}
	return nil
}

func (o *outcome) err() error {
	o.mx.Lock()
	defer o.mx.Unlock()
	switch p := o.final.(type) {
	case nil:
		if o.reported != "" {
			return fmt.Errorf("worker failed: %s", o.reported)
		}
	case event.Stopped:
		return errors.New("worker stopped")
	case event.Message:
		return fmt.Errorf("worker failed: %s", p.Message)
	case event.Finished:
		switch {
		case p.Success:
			return nil
		case p.Stopped:
			return errors.New("worker stopped")
		default:
			return fmt.Errorf("worker failed: %s", p.Error)
		}
	}
	return nil
}

func foreground(name string, launch func(context.Context, *service.Supervisor) (service.Ack, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("courtyard",
			slog.String("cmd", "run "+name),
			slog.Int("pid", os.Getpid()),
		))

		out := &outcome{}
		sup := service.NewSupervisor(ctx, config,
			service.WithEmitter(event.Multi(event.NewWriter(os.Stdout), out)),
		)
		ack, err := launch(ctx, sup)
		if err != nil {
			sup.Close()
			return err
		}
		slog.DebugContext(ctx, "run started", "run_id", ack.RunID, "version", ack.Version)
		// an interrupt cancels ctx, which stops the worker
		sup.Close()
		return out.err()
	}
}

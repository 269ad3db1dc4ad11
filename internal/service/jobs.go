package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/courtyard-app/courtyard/internal/demux"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/project"
)

// Worker scripts in the scripts directory.
const (
	ScriptClean           = "clean_data.py"
	ScriptGenerate        = "generate_dataset.py"
	ScriptGenerateOllama  = "generate_dataset_ollama.py"
	ScriptGenerateBuiltin = "generate_dataset_builtin.py"
	ScriptInference       = "inference.py"
	ScriptExport          = "export_ollama.py"
	ScriptDownload        = "download_model.py"
)

const (
	DefaultLang         = "en"
	DefaultMaxTokens    = 512
	DefaultTemperature  = 0.7
	DefaultQuantization = "q4"

	// segments written by the cleaning worker, input of the generation
	segmentsFile = "segments.jsonl"
	primarySlot  = "generation"
)

type CleanRequest struct {
	ProjectID string `json:"project_id"`
	Lang      string `json:"lang,omitempty"`
}

type GenerateRequest struct {
	ProjectID string `json:"project_id"`
	Model     string `json:"model,omitempty"`
	Mode      string `json:"mode"`
	Source    string `json:"source,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	Lang      string `json:"lang,omitempty"`
}

type InferRequest struct {
	ProjectID   string   `json:"project_id"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	AdapterPath string   `json:"adapter_path,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Lang        string   `json:"lang,omitempty"`
}

type ExportRequest struct {
	ProjectID    string `json:"project_id"`
	ModelName    string `json:"model_name"`
	Model        string `json:"model"`
	AdapterPath  string `json:"adapter_path,omitempty"`
	Quantization string `json:"quantization,omitempty"`
}

type DownloadRequest struct {
	RepoID string `json:"repo_id"`
}

func downloadKey(repoID string) string {
	return "download:" + repoID
}

// GenerateScript returns the worker script of a dataset source.
func GenerateScript(source string) string {
	switch source {
	case model.SourceOllama:
		return ScriptGenerateOllama
	case model.SourceBuiltin:
		return ScriptGenerateBuiltin
	default:
		return ScriptGenerate
	}
}

// common checks the interpreter, the project id and the script. An empty
// project id is accepted unless needProject is set.
func (s *Supervisor) common(projectID, script string, needProject bool) (string, error) {
	if err := s.layout.PythonReady(); err != nil {
		return "", err
	}
	if projectID != "" || needProject {
		if err := project.ValidID(projectID); err != nil {
			return "", err
		}
	}
	return s.layout.Script(script)
}

// wrapped prefixes python with the configured wrapper, if any.
func (s *Supervisor) wrapped(args ...string) Invocation {
	python := s.layout.Python
	if len(s.cfg.Wrapper) == 0 {
		return Invocation{Path: python, Args: args}
	}
	wargs := append([]string(nil), s.cfg.Wrapper[1:]...)
	wargs = append(wargs, python)
	return Invocation{Path: s.cfg.Wrapper[0], Args: append(wargs, args...)}
}

func lang(l string) string {
	if l == "" {
		return DefaultLang
	}
	return l
}

// Clean starts the cleaning of a project's raw files.
func (s *Supervisor) Clean(ctx context.Context, req CleanRequest) (Ack, error) {
	script, err := s.common(req.ProjectID, ScriptClean, true)
	if err != nil {
		return Ack{}, err
	}
	projectPath := s.layout.ProjectPath(req.ProjectID)
	if !isDir(s.layout.Dir(req.ProjectID, model.DirRaw)) {
		return Ack{}, model.Preconditionf("no raw data directory found in project %s: import files first", req.ProjectID)
	}

	return s.launch(ctx, job{
		domain: model.DomainCleaning,
		key:    req.ProjectID,
		build: func(string) Invocation {
			return s.wrapped(script,
				"--project-dir", projectPath,
				"--lang", lang(req.Lang),
			)
		},
	})
}

// Generate starts the dataset generation. Only one runs at a time, its
// output is a new dataset version.
func (s *Supervisor) Generate(ctx context.Context, req GenerateRequest) (Ack, error) {
	script, err := s.common(req.ProjectID, GenerateScript(req.Source), true)
	if err != nil {
		return Ack{}, err
	}
	if req.Mode == "" {
		return Ack{}, model.Preconditionf("generation mode is required")
	}
	if req.Source != model.SourceBuiltin && req.Model == "" {
		return Ack{}, model.Preconditionf("model is required for source %q", req.Source)
	}
	projectPath := s.layout.ProjectPath(req.ProjectID)
	if !isFile(filepath.Join(s.layout.Dir(req.ProjectID, model.DirCleaned), segmentsFile)) {
		return Ack{}, model.Preconditionf("no cleaned data found in project %s: run cleaning first", req.ProjectID)
	}

	return s.launch(ctx, job{
		domain:      model.DomainDataset,
		key:         req.ProjectID,
		slot:        primarySlot,
		primary:     true,
		stagingRoot: s.layout.DatasetRoot(req.ProjectID),
		build: func(outputDir string) Invocation {
			args := []string{script,
				"--project-dir", projectPath,
				"--output-dir", outputDir,
				"--mode", req.Mode,
			}
			if req.Source != model.SourceBuiltin {
				args = append(args, "--model", req.Model)
			}
			if req.Resume {
				args = append(args, "--resume")
			}
			args = append(args, "--lang", lang(req.Lang))
			return s.wrapped(args...)
		},
	})
}

// Infer runs one prompt against a model, with the latest adapter of the
// project unless AdapterPath is set.
func (s *Supervisor) Infer(ctx context.Context, req InferRequest) (Ack, error) {
	script, err := s.common(req.ProjectID, ScriptInference, false)
	if err != nil {
		return Ack{}, err
	}
	if req.Prompt == "" || req.Model == "" {
		return Ack{}, model.Preconditionf("prompt and model are required")
	}
	adapter := req.AdapterPath
	if adapter == "" && req.ProjectID != "" {
		adapter, _ = s.layout.LatestAdapter(req.ProjectID)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temp := DefaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	return s.launch(ctx, job{
		domain: model.DomainInference,
		key:    req.ProjectID,
		build: func(string) Invocation {
			args := []string{script,
				"--model", req.Model,
				"--prompt", req.Prompt,
				"--max-tokens", strconv.Itoa(maxTokens),
				"--temp", fmt.Sprintf("%.2f", temp),
			}
			if adapter != "" {
				args = append(args, "--adapter-path", adapter)
			}
			args = append(args, "--lang", lang(req.Lang))
			return Invocation{Path: s.layout.Python, Args: args}
		},
	})
}

// ExportDir is <export_path>/<project> when configured, else
// <project>/export.
func (s *Supervisor) ExportDir(projectID string) string {
	if dir := s.cfg.ExportDir(); dir != "" {
		return filepath.Join(dir, projectID)
	}
	return s.layout.Dir(projectID, model.DirExport)
}

// Export builds an Ollama model from the adapter. Every event carries
// project_id.
func (s *Supervisor) Export(ctx context.Context, req ExportRequest) (Ack, error) {
	script, err := s.common(req.ProjectID, ScriptExport, true)
	if err != nil {
		return Ack{}, err
	}
	if req.ModelName == "" || req.Model == "" {
		return Ack{}, model.Preconditionf("model_name and model are required")
	}
	adapter := req.AdapterPath
	switch {
	case adapter != "":
		if _, err := os.Stat(adapter); err != nil {
			return Ack{}, model.Preconditionf("adapter path not found: %s", adapter)
		}
	default:
		var ok bool
		adapter, ok = s.layout.LatestAdapter(req.ProjectID)
		if !ok {
			return Ack{}, model.Preconditionf("no trained adapter found in project %s: complete training first", req.ProjectID)
		}
	}
	outputDir := s.ExportDir(req.ProjectID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Ack{}, fmt.Errorf("creating export dir: %w", err)
	}
	quant := req.Quantization
	if quant == "" {
		quant = DefaultQuantization
	}

	return s.launch(ctx, job{
		domain: model.DomainExport,
		key:    req.ProjectID,
		corr:   demux.Correlation{Name: "project_id", Value: req.ProjectID},
		build: func(string) Invocation {
			return Invocation{
				Path: s.layout.Python,
				Args: []string{script,
					"--model", req.Model,
					"--adapter-path", adapter,
					"--model-name", req.ModelName,
					"--output-dir", outputDir,
					"--quantization", quant,
				},
				OutputDir: outputDir,
			}
		},
	})
}

// Download fetches a model repository. Downloads of different repositories
// run side by side and are stopped by repository id.
func (s *Supervisor) Download(ctx context.Context, req DownloadRequest) (Ack, error) {
	repo := strings.TrimSpace(req.RepoID)
	if repo == "" {
		return Ack{}, model.Preconditionf("repo_id is required")
	}
	script, err := s.common("", ScriptDownload, false)
	if err != nil {
		return Ack{}, err
	}

	var env []string
	args := []string{script, repo}
	if hf := s.cfg.HuggingFace; hf != nil {
		if hf.Endpoint != "" {
			env = append(env, "HF_ENDPOINT="+hf.Endpoint)
		}
		if dir := s.cfg.CacheDir(); dir != "" {
			args = append(args, "--cache-dir", dir)
		}
	}

	return s.launch(ctx, job{
		domain:       model.DomainDownload,
		key:          repo,
		corr:         demux.Correlation{Name: "repo_id", Value: repo},
		slot:         downloadKey(repo),
		cancelKey:    downloadKey(repo),
		stderrEvents: true,
		build: func(string) Invocation {
			return Invocation{Path: s.layout.Python, Args: args, Env: env}
		},
	})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

package model

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen     = "127.0.0.1:7878"
	DefaultStderrTail = 8
	DefaultSweepEvery = "PT1H"
	DefaultSweepAge   = "PT6H"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int          `json:"version" yaml:"version"`
	Home        string       `json:"home,omitempty" yaml:"home,omitempty"`
	Python      string       `json:"python,omitempty" yaml:"python,omitempty"`
	Scripts     string       `json:"scripts,omitempty" yaml:"scripts,omitempty"`
	Wrapper     []string     `json:"wrapper,omitempty" yaml:"wrapper,omitempty"`
	ExportPath  string       `json:"export_path,omitempty" yaml:"export_path,omitempty"`
	StderrTail  int          `json:"stderr_tail,omitempty" yaml:"stderr_tail,omitempty"`
	HuggingFace *HuggingFace `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
	Service     Service      `json:"service" yaml:"service"`
	Sweep       *Sweep       `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// HuggingFace configures the model download worker.
type HuggingFace struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // exported as HF_ENDPOINT
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Sweep configures the periodic removal of orphaned staging directories.
// Exactly one of Cron or Duration may be set, none means DefaultSweepEvery.
type Sweep struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MinAge   string `json:"min_age,omitempty" yaml:"min_age,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// DefaultConfig returns the configuration stored on a first start
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version:    0,
		StderrTail: DefaultStderrTail,
		Service: Service{
			Log:    LogStderr,
			Listen: DefaultListen,
		},
		Sweep: &Sweep{
			Enabled:  true,
			MinAge:   DefaultSweepAge,
			Duration: DefaultSweepEvery,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("courtyard.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// HomeDir returns the configured base directory or ~/Courtyard.
func (c Config) HomeDir() string {
	if c.Home != "" {
		return ExpandPath(c.Home)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Courtyard")
}

// PythonBin returns the interpreter used to run the workers.
func (c Config) PythonBin() string {
	if c.Python != "" {
		return ExpandPath(c.Python)
	}
	return filepath.Join(c.HomeDir(), "python", ".venv", "bin", "python")
}

func (c Config) TailLines() int {
	if c.StderrTail <= 0 {
		return DefaultStderrTail
	}
	return c.StderrTail
}

func (c Config) ListenAddr() string {
	if c.Service.Listen == "" {
		return DefaultListen
	}
	return c.Service.Listen
}

// SweepMinAge parses sweep.min_age, falling back to DefaultSweepAge.
func (c Config) SweepMinAge() (time.Duration, error) {
	if c.Sweep == nil || c.Sweep.MinAge == "" {
		return ParseISODuration(DefaultSweepAge)
	}
	return ParseISODuration(c.Sweep.MinAge)
}

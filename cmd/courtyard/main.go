package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/model"
)

var (
	userConfigPath string // /default/config/path/courtyard on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "courtyard")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is courtyard.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initCourtyard
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("courtyard failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "courtyard",
	Short:        "Runs and supervises the Courtyard fine-tuning workers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a courtyard",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("courtyard: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("courtyard: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initCourtyard(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("COURTYARDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "courtyard.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	if configPath == "" {
		config, configPath, err = storeDefault(cmd.Context())
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("courtyard run", "configPath", configPath)
	slog.Debug("courtyard run", "config", config)
	return nil
}

// storeDefault writes the default configuration into the user config dir.
func storeDefault(ctx context.Context) (model.Config, string, error) {
	cfg := model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, "courtyard.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cfg, "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cfg, "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return cfg, "", fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, nil
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String())
		}
		return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/exttool/internal/log"
	"github.com/CZERTAINLY/exttool/internal/model"
)

var (
	userConfigPath string // /default/config/path/exttool on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "exttool")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().String("config", "", "Config file to load - default is exttool.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("state-dir", "", "directory with the run registry, overrides state.dir")
	for _, name := range []string{"config", "verbose", "state-dir"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("EXTTOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initExttool

	runCmd.Flags().String("node", "", "configured node to run the tool on")
	runCmd.Flags().String("run-id", "", "run the working directory belongs to, generated when empty")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("exttool failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "exttool",
	Short:        "Runs external tools on remote nodes over ssh",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run tool.yaml [input=value|input=@file ...]",
	Short: "run executes a tool on a node and prints its results",
	Long: `run executes a tool on a node and prints its results as YAML.

Values of list inputs are separated by commas. A value starting with @ is
read from a local file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: doRun,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup run-id",
	Short: "cleanup deletes all working directories of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  doCleanup,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "runs lists runs with working directories left on nodes",
	Args:  cobra.NoArgs,
	RunE:  doRuns,
}

var pingCmd = &cobra.Command{
	Use:   "ping node",
	Short: "ping logs into a node and checks its directory",
	Args:  cobra.ExactArgs(1),
	RunE:  doPing,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an exttool",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("exttool: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("exttool: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initExttool(cmd *cobra.Command, _ []string) error {
	configPath = viper.GetString("config")
	if configPath == "" {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "exttool.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// flags and environment have a precedence over config file
	if viper.GetBool("verbose") {
		config.Service.Verbose = true
	}
	if dir := viper.GetString("state-dir"); dir != "" {
		config.State.Dir = dir
	}

	// initialize logging
	w, err := log.Output(config.Service.Log)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	cobra.OnFinalize(func() {
		_ = w.Close()
	})
	slog.SetDefault(log.New(config.Service.Verbose, w))

	slog.Debug("exttool run", "configPath", configPath)
	slog.Debug("exttool run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

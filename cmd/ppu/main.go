// ppu runs, compiles and debugs raw PPU code images.
package main

import (
	"fmt"
	"os"

	"github.com/Plagman/rpcs3/config"
	log "github.com/Plagman/rpcs3/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath   string
	decoder      string
	cacheDir     string
	logLevel     string
	debugModules string
	ppuThreads   int
	otlp         string
	debug        bool
}

var flags globalFlags

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	pf := cmd.Flags()
	if pf.Changed("decoder") {
		cfg.Decoder = config.Decoder(flags.decoder)
	}
	if pf.Changed("cache-dir") {
		cfg.CacheDir = flags.cacheDir
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if pf.Changed("debug-modules") {
		cfg.LogModules = flags.debugModules
	}
	if pf.Changed("ppu-threads") {
		cfg.PPUThreads = flags.ppuThreads
	}
	if pf.Changed("otlp") {
		cfg.OTLPEndpoint = flags.otlp
	}
	if pf.Changed("debug") {
		cfg.Debug = flags.debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.InitLogger(cfg.LogLevel)
	log.EnableModules(cfg.LogModules)
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "ppu",
		Short:   "PPU execution engine",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		Long: `Loads a raw big-endian PPU code image into guest memory and executes it
with the precise or fast interpreter, or with the caching recompiler.`,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "JSON config file")
	pf.StringVar(&flags.decoder, "decoder", string(config.DecoderFast), "decoder: precise, fast or llvm")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "compiled object cache directory (empty keeps it in memory)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level")
	pf.StringVar(&flags.debugModules, "debug-modules", "", "comma separated modules with trace/debug output")
	pf.IntVar(&flags.ppuThreads, "ppu-threads", 2, "maximum running PPU threads")
	pf.StringVar(&flags.otlp, "otlp", "", "OTLP/HTTP trace endpoint (host:port)")
	pf.BoolVar(&flags.debug, "debug", false, "record TOCs and check them on function entry")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCompileCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newDebugCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

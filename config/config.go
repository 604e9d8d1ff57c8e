package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Decoder selects the PPU execution strategy.
type Decoder string

const (
	DecoderPrecise Decoder = "precise"
	DecoderFast    Decoder = "fast"
	DecoderLLVM    Decoder = "llvm"
)

func (d Decoder) String() string {
	switch d {
	case DecoderPrecise:
		return "Interpreter (precise)"
	case DecoderFast:
		return "Interpreter (fast)"
	case DecoderLLVM:
		return "Recompiler (LLVM)"
	}
	return "unknown"
}

// Valid reports whether d names a known decoder.
func (d Decoder) Valid() bool {
	return d == DecoderPrecise || d == DecoderFast || d == DecoderLLVM
}

// SleepAccuracy mirrors the accuracy levels of timed waits.
type SleepAccuracy uint32

const (
	SleepAccuracyAsHost SleepAccuracy = iota
	SleepAccuracyUsleep
	SleepAccuracyAllTimers
)

type Config struct {
	Decoder             Decoder       `json:"decoder"`
	Debug               bool          `json:"debug"`
	LLVMThreads         int           `json:"llvm_threads"`
	LLVMCPU             string        `json:"llvm_cpu"`
	ClocksScale         uint64        `json:"clocks_scale"`
	SleepTimersAccuracy SleepAccuracy `json:"sleep_timers_accuracy"`
	UseRTM              string        `json:"use_rtm"` // auto, on, off
	SetDAZAndFTZ        bool          `json:"set_daz_and_ftz"`
	CacheDir            string        `json:"cache_dir"`
	PPUThreads          int           `json:"ppu_threads"`
	PauseOnFault        bool          `json:"pause_on_fault"`
	LogLevel            string        `json:"log_level"`
	LogModules          string        `json:"log_modules"`
	OTLPEndpoint        string        `json:"otlp_endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Decoder:             DecoderFast,
		ClocksScale:         100,
		SleepTimersAccuracy: SleepAccuracyUsleep,
		UseRTM:              "auto",
		SetDAZAndFTZ:        true,
		CacheDir:            "cache",
		PPUThreads:          2,
		LogLevel:            "info",
	}
}

// Load reads a JSON configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if !c.Decoder.Valid() {
		return fmt.Errorf("invalid decoder %q", c.Decoder)
	}
	switch c.UseRTM {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("invalid use_rtm %q", c.UseRTM)
	}
	if c.ClocksScale == 0 {
		return fmt.Errorf("clocks_scale must be positive")
	}
	if c.PPUThreads < 1 {
		return fmt.Errorf("ppu_threads must be at least 1")
	}
	return nil
}

// String method returns the Config as a formatted JSON string
func (c *Config) String() string {
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(jsonData)
}

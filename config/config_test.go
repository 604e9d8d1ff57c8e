package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppu.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"decoder":"llvm","llvm_threads":3,"use_rtm":"off"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DecoderLLVM, cfg.Decoder)
	require.Equal(t, 3, cfg.LLVMThreads)
	require.Equal(t, "off", cfg.UseRTM)
	require.Equal(t, uint64(100), cfg.ClocksScale)
	require.Equal(t, "Recompiler (LLVM)", cfg.Decoder.String())
	require.Contains(t, cfg.String(), `"decoder": "llvm"`)
}

func TestLoadRejectsUnknownDecoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppu.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"decoder":"dynarec"}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

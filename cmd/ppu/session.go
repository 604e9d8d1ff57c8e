package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/lv2"
	log "github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/recompiler"
	"github.com/Plagman/rpcs3/storage"
	"github.com/Plagman/rpcs3/vm"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/blake2b"
)

const defaultBase = 0x00400000

type imageFlags struct {
	base  uint32
	entry uint32
	toc   uint64
	funcs string
	stack uint32
	prio  int32
}

func (f *imageFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.Uint32Var(&f.base, "base", defaultBase, "guest address the image is loaded at")
	fl.Uint32Var(&f.entry, "entry", 0, "entry point (defaults to the image base)")
	fl.Uint64Var(&f.toc, "toc", 0, "r2 value passed to the entry point")
	fl.StringVar(&f.funcs, "funcs", "", "JSON module description (functions, blocks, segments, relocations)")
	fl.Uint32Var(&f.stack, "stack", 0x10000, "main thread stack size")
	fl.Int32Var(&f.prio, "prio", 1000, "main thread priority")
}

// session is one loaded image with its system, scheduler and recompiler.
type session struct {
	cfg    *config.Config
	sys    *ppu.System
	sched  *lv2.Scheduler
	cache  *storage.ObjectCache
	driver *recompiler.Driver
	mod    *recompiler.Module
	img    imageFlags

	cancel   context.CancelFunc
	shutdown func()
}

func openSession(ctx context.Context, cfg *config.Config, path string, img imageFlags) (*session, error) {
	shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s := &session{cfg: cfg, img: img, shutdown: shutdown}
	if s.sys, err = ppu.NewSystem(cfg, vm.New()); err != nil {
		s.Close()
		return nil, err
	}
	s.sched = lv2.New(s.sys)
	ctx, s.cancel = context.WithCancel(ctx)
	s.sched.Start(ctx)

	if cfg.Decoder == config.DecoderLLVM {
		if s.cache, err = storage.Open(cfg.CacheDir); err != nil {
			s.Close()
			return nil, err
		}
	}
	var cache recompiler.ObjectCache
	if s.cache != nil {
		cache = s.cache
	}
	s.driver = recompiler.NewDriver(s.sys, recompiler.Threaded{}, cache)

	if s.mod, err = s.load(path); err != nil {
		s.Close()
		return nil, err
	}
	s.driver.Add(s.mod)
	return s, nil
}

// load copies the image into guest memory, marks it executable and
// describes it as a module.
func (s *session) load(path string) (*recompiler.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%s: image size %d is not a whole number of instructions", path, len(data))
	}
	size := uint32(len(data))
	mem := s.sys.Mem
	if err := mem.AllocFixed(s.img.base, size, vm.Main); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := mem.WriteBytes(s.img.base, data, false); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	s.sys.Slots.RegisterRange(s.img.base, size)

	m := &recompiler.Module{}
	if s.img.funcs != "" {
		raw, err := os.ReadFile(s.img.funcs)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, fmt.Errorf("%s: %w", s.img.funcs, err)
		}
	} else {
		m.Funcs = []recompiler.Function{{
			Addr:   s.img.base,
			Size:   size,
			TOC:    recompiler.NoTOC,
			Blocks: []recompiler.Block{{Addr: s.img.base, Size: size}},
		}}
	}
	if m.Path == "" {
		m.Path = path
	}
	h, _ := blake2b.New(len(m.Digest), nil)
	h.Write(data)
	copy(m.Digest[:], h.Sum(nil))
	if err := m.Validate(); err != nil {
		return nil, err
	}

	log.Info(log.GeneralMonitoring, "Image loaded", "path", path, "base", s.img.base, "size", size, "funcs", len(m.Funcs))
	return m, nil
}

// spawn creates the main thread through a function descriptor for the entry.
func (s *session) spawn() (*ppu.Thread, error) {
	entry := s.img.entry
	if entry == 0 {
		entry = s.img.base
	}
	mem := s.sys.Mem
	opd, err := mem.Alloc(8, vm.User64K, 0)
	if err != nil {
		return nil, err
	}
	if err := mem.Write32(opd, entry); err != nil {
		return nil, err
	}
	if err := mem.Write32(opd+4, uint32(s.img.toc)); err != nil {
		return nil, err
	}
	return s.sys.NewThread(ppu.ThreadParams{
		Name:      "main_thread",
		Entry:     opd,
		Prio:      s.img.prio,
		StackSize: s.img.stack,
	})
}

func (s *session) Close() {
	if s.sys != nil {
		s.sys.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Warn(log.CacheModule, "Cache close", "err", err)
		}
	}
	s.shutdown()
}

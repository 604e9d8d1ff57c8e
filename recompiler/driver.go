package recompiler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/ppuerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ObjectCache stores compiled objects by name.
type ObjectCache interface {
	Exists(name string) bool
	Load(name string) ([]byte, error)
	Store(name string, blob []byte) error
}

const noFunc = ^uint32(0)

// jitModule remembers what a compiled module installed so a second
// initialisation can reinstall it without compiling.
type jitModule struct {
	funcs []uint32
	vars  []*atomic.Uint64
}

// Driver prepares modules for the configured decoder.
type Driver struct {
	sys     *ppu.System
	backend Backend
	cache   ObjectCache
	cores   *semaphore.Weighted
	tracer  trace.Tracer

	linkMu sync.Mutex

	modsMu  sync.Mutex
	modules map[string]*jitModule
	pending []*Module

	compiled atomic.Int64
	loaded   atomic.Int64
}

// NewDriver creates a driver and hooks module initialisation into sys.
func NewDriver(sys *ppu.System, backend Backend, cache ObjectCache) *Driver {
	n := runtime.NumCPU()
	if t := sys.Config.LLVMThreads; t > 0 && t < n {
		n = t
	}
	d := &Driver{
		sys:     sys,
		backend: backend,
		cache:   cache,
		cores:   semaphore.NewWeighted(int64(n)),
		tracer:  otel.Tracer("github.com/Plagman/rpcs3/recompiler"),
		modules: make(map[string]*jitModule),
	}
	sys.OnInitialize(d.InitializeAll)
	return d
}

// Add queues a module for the next InitializeAll.
func (d *Driver) Add(m *Module) {
	d.modsMu.Lock()
	d.pending = append(d.pending, m)
	d.modsMu.Unlock()
}

// InitializeAll initialises every queued module, the main executable first.
func (d *Driver) InitializeAll(ctx context.Context) error {
	d.modsMu.Lock()
	mods := d.pending
	d.pending = nil
	d.modsMu.Unlock()

	for i, m := range mods {
		if m.Name == "" && i != 0 {
			mods[0], mods[i] = mods[i], mods[0]
			break
		}
	}
	for _, m := range mods {
		if err := d.Initialize(ctx, m); err != nil {
			return fmt.Errorf("module %q: %w", m.Name, err)
		}
	}
	return nil
}

// Stats reports how many objects were compiled and loaded from the cache.
func (d *Driver) Stats() (compiled, loaded int64) {
	return d.compiled.Load(), d.loaded.Load()
}

// Initialize makes m executable under the configured decoder.
func (d *Driver) Initialize(ctx context.Context, m *Module) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if d.sys.Config.Decoder != config.DecoderLLVM {
		d.initInterpreter(m)
		return nil
	}
	return d.initCompiled(ctx, m)
}

func (d *Driver) initInterpreter(m *Module) {
	slots := d.sys.Slots
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			slots.RegisterFunction(b.Addr, b.Size, nil)
		}
		if d.sys.Config.Debug && f.Size != 0 && f.TOC != NoTOC {
			slots.SetTOC(f.Addr, f.TOC)
		}
	}
	log.Debug(log.PPUMonitoring, "Module primed for interpreter", "module", m.Name, "funcs", len(m.Funcs))
}

func (d *Driver) module(key string) *jitModule {
	d.modsMu.Lock()
	defer d.modsMu.Unlock()
	jm, ok := d.modules[key]
	if !ok {
		jm = &jitModule{}
		d.modules[key] = jm
	}
	return jm
}

func (d *Driver) initCompiled(ctx context.Context, m *Module) (err error) {
	if d.backend == nil {
		return ppuerrors.ErrRBackendUnavailable
	}
	if d.cache == nil {
		return ppuerrors.ErrRCacheDir
	}
	ctx, span := d.tracer.Start(ctx, "ppu_initialize", trace.WithAttributes(
		attribute.String("module", m.Name),
		attribute.String("backend", d.backend.Name()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cachePath := CachePath(m)
	jm := d.module(cachePath + m.Name)

	d.linkMu.Lock()
	reuse := len(jm.vars) != 0 || len(jm.funcs) != 0
	d.linkMu.Unlock()
	if reuse {
		d.reinstall(m, jm)
		return nil
	}

	frags, err := Plan(d.sys.Config, d.sys.Mem, m)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("fragments", len(frags)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(d.sys.Context(), cancel)()

	tctx := NewLinkContext(d.sys)
	lk := newLinker()
	var globals []Global
	var g errgroup.Group
	for _, frag := range frags {
		if d.sys.Stopped() {
			break
		}
		globals = append(globals, frag.Globals...)
		name := cachePath + frag.Object
		if d.cache.Exists(name) && d.loadObject(tctx, lk, name) {
			continue
		}
		frag := frag
		g.Go(func() error { return d.compile(ctx, tctx, lk, frag, name) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if d.sys.Stopped() {
		return ppuerrors.ErrRStopped
	}

	d.install(m, jm, lk, globals)
	return nil
}

func (d *Driver) loadObject(tctx *LinkContext, lk *linker, name string) bool {
	blob, err := d.cache.Load(name)
	if err == nil {
		var obj *Object
		if obj, err = d.backend.Link(tctx, blob); err == nil {
			err = lk.add(obj)
		}
	}
	if err != nil {
		log.Warn(log.RecompilerModule, "Cached object unusable, recompiling", "object", name, "err", err)
		return false
	}
	d.loaded.Add(1)
	log.Info(log.RecompilerModule, "Loaded module", "object", name)
	return true
}

// compile translates one fragment on a deprioritised worker thread. Failures
// leave the fragment's blocks on the interpreter fallback.
func (d *Driver) compile(ctx context.Context, tctx *LinkContext, lk *linker, frag *Fragment, name string) error {
	if err := d.cores.Acquire(ctx, 1); err != nil {
		if d.sys.Stopped() {
			return nil
		}
		return err
	}
	defer d.cores.Release(1)

	// The locked thread exits with the goroutine, so its lowered priority
	// never leaks back into the scheduler's pool.
	runtime.LockOSThread()
	lowerThreadPriority()

	if d.sys.Stopped() {
		return nil
	}
	ctx, span := d.tracer.Start(ctx, "ppu_compile", trace.WithAttributes(
		attribute.String("object", frag.Object),
		attribute.Int("bytes", frag.Bytes),
		attribute.Int("entries", len(frag.Entries)),
	))
	defer span.End()

	log.Warn(log.RecompilerModule, "Compiling module", "object", name)
	blob, err := d.backend.Translate(ctx, tctx, frag)
	if err != nil && d.sys.Stopped() {
		log.Info(log.RecompilerModule, "Compilation cancelled", "object", name)
		return nil
	}
	if err != nil {
		if !errors.Is(err, ppuerrors.ErrRTranslationFailed) {
			err = fmt.Errorf("%w: %w", ppuerrors.ErrRTranslationFailed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(log.RecompilerModule, "Translation failed", "object", name, "err", err)
		return nil
	}
	if d.sys.Stopped() {
		return nil
	}
	if err := d.cache.Store(name, blob); err != nil {
		log.Error(log.RecompilerModule, "Failed to store object", "object", name, "err", err)
	}
	obj, err := d.backend.Link(tctx, blob)
	if err == nil {
		err = lk.add(obj)
	}
	if err != nil {
		span.RecordError(err)
		log.Error(log.RecompilerModule, "Link failed", "object", name, "err", err)
		return nil
	}
	d.compiled.Add(1)
	log.Info(log.RecompilerModule, "Compiled module", "object", name)
	return nil
}

// install points every block at its compiled entry and initialises the link
// variables, recording both for reuse.
func (d *Driver) install(m *Module, jm *jitModule, lk *linker, globals []Global) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()

	slots := d.sys.Slots
	reloc := m.reloc()
	type site struct {
		addr uint32
		fn   ppu.Func
	}
	sites := make([]site, 0, m.blockCount())
	for _, f := range m.Funcs {
		if f.Size == 0 {
			continue
		}
		for _, b := range f.Blocks {
			if b.Size == 0 {
				continue
			}
			name := entryName(b.Addr, reloc)
			fn := lk.funcs[name]
			if fn == nil {
				log.Error(log.RecompilerModule, "Missing compiled entry", "symbol", name)
			}
			sites = append(sites, site{addr: b.Addr, fn: fn})
		}
	}

	var fns []ppu.Func
	for _, s := range sites {
		if s.fn != nil {
			fns = append(fns, s.fn)
		}
	}
	next := slots.AddFuncs(fns...)
	for _, s := range sites {
		if s.fn == nil {
			jm.funcs = append(jm.funcs, noFunc)
			continue
		}
		slots.SetCompiled(s.addr, next)
		jm.funcs = append(jm.funcs, next)
		next++
	}

	for _, g := range globals {
		v := lk.vars[g.Name]
		jm.vars = append(jm.vars, v)
		if v != nil {
			v.Store(g.Value)
		} else {
			log.Warn(log.RecompilerModule, "Unused link variable", "symbol", g.Name)
		}
	}
	log.Info(log.RecompilerModule, "Module installed", "module", m.Name, "entries", len(sites), "vars", len(jm.vars))
}

// reinstall restores a previously compiled module's entries and rewrites its
// link variables for the current load.
func (d *Driver) reinstall(m *Module, jm *jitModule) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()

	slots := d.sys.Slots
	i := 0
	for _, f := range m.Funcs {
		if f.Size == 0 {
			continue
		}
		for _, b := range f.Blocks {
			if b.Size == 0 {
				continue
			}
			if i < len(jm.funcs) && jm.funcs[i] != noFunc {
				slots.SetCompiled(b.Addr, jm.funcs[i])
			}
			i++
		}
	}

	values := []uint64{d.sys.Mem.ID(), uint64(m.reloc())}
	for _, seg := range m.Segs {
		values = append(values, uint64(seg.Addr))
	}
	for i, v := range jm.vars {
		if v != nil {
			v.Store(values[i%len(values)])
		}
	}
	log.Info(log.RecompilerModule, "Module reused", "module", m.Name, "entries", i)
}

package recompiler

import (
	"context"
	"encoding/binary"
	"regexp"
	"testing"
	"time"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/storage"
	"github.com/Plagman/rpcs3/vm"
	"github.com/stretchr/testify/require"
)

const (
	insLI3_5   = 0x38600005 // li r3,5
	insADDI3_7 = 0x38630007 // addi r3,r3,7
	insBLR     = 0x4e800020
)

func newSystem(t *testing.T, decoder config.Decoder) *ppu.System {
	t.Helper()
	cfg := config.Default()
	cfg.Decoder = decoder
	cfg.UseRTM = "off"
	cfg.LLVMCPU = "cell"
	sys, err := ppu.NewSystem(cfg, vm.New())
	require.NoError(t, err)
	return sys
}

func load(t *testing.T, sys *ppu.System, words ...uint32) uint32 {
	t.Helper()
	size := uint32(len(words)) * 4
	addr, err := sys.Mem.Alloc(size, vm.Main, vm.PageSize)
	require.NoError(t, err)
	buf := make([]byte, size)
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	require.NoError(t, sys.Mem.WriteBytes(addr, buf, false))
	sys.Slots.RegisterRange(addr, size)
	return addr
}

func mainModule(addr, size uint32, toc uint64) *Module {
	return &Module{
		Path:   "/dev_hdd0/game/TEST00000/USRDIR/EBOOT.BIN",
		Digest: [20]byte{1, 2, 3},
		Funcs: []Function{{
			Addr:   addr,
			Size:   size,
			TOC:    toc,
			Blocks: []Block{{Addr: addr, Size: size}},
		}},
	}
}

func newThread(t *testing.T, sys *ppu.System) *ppu.Thread {
	t.Helper()
	th, err := sys.NewThread(ppu.ThreadParams{Name: t.Name(), StackSize: 0x10000})
	require.NoError(t, err)
	th.RemoveState(^uint32(0))
	return th
}

func newCache(t *testing.T) *storage.ObjectCache {
	t.Helper()
	c, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBase57(t *testing.T) {
	require.Equal(t, "00", base57([]byte{0}))
	require.Equal(t, "00000000010", base57([]byte{0, 0, 0, 0, 0, 0, 0, 57}))
	require.Len(t, base57(make([]byte, 16)), 22)
	require.Len(t, base57(make([]byte, 20)), 22+6)
	require.Len(t, base57alphabetSet(), 57)
}

func base57alphabetSet() map[rune]bool {
	set := map[rune]bool{}
	for _, r := range base57Alphabet {
		set[r] = true
	}
	return set
}

func TestPartition(t *testing.T) {
	fn := func(addr, size uint32) Function {
		return Function{Addr: addr, Size: size, TOC: NoTOC, Blocks: []Block{{Addr: addr, Size: size}}}
	}
	m := &Module{Funcs: []Function{
		fn(0x10000, 40*1024),
		fn(0x20000, 40*1024),
		fn(0x30000, 40*1024),
		fn(0x40000, 200*1024),
		fn(0x80000, 8),
	}}
	frags := Partition(m, FragmentBudget)
	require.Len(t, frags, 4)
	require.Len(t, frags[0].Entries, 2)
	require.Equal(t, uint32(0x10000), frags[0].Suffix)
	require.Equal(t, 80*1024, frags[0].Bytes)
	require.Equal(t, uint32(0x30000), frags[1].Suffix)

	// An oversized function gets a fragment of its own.
	require.Len(t, frags[2].Entries, 1)
	require.Equal(t, "__0x40000", frags[2].Entries[0].Name)
	require.Equal(t, 200*1024, frags[2].Bytes)
	require.Equal(t, uint32(0x80000), frags[3].Suffix)
}

func TestHashIgnoresRelocatedBytes(t *testing.T) {
	sys := newSystem(t, config.DecoderPrecise)
	a1 := load(t, sys, insLI3_5, 0x38600001, insBLR)
	a2 := load(t, sys, insLI3_5, 0x38600002, insBLR)

	lib := func(base uint32, relocType uint32) *Module {
		return &Module{
			Name:   "libtest.sprx",
			Segs:   []Segment{{Addr: base, Size: 12}},
			Funcs:  []Function{{Addr: base, Size: 12, TOC: NoTOC, Blocks: []Block{{Addr: base, Size: 12}}}},
			Relocs: []Reloc{{Addr: base + 6, Type: relocType}},
		}
	}
	f1, err := Plan(sys.Config, sys.Mem, lib(a1, 6))
	require.NoError(t, err)
	f2, err := Plan(sys.Config, sys.Mem, lib(a2, 6))
	require.NoError(t, err)
	f3, err := Plan(sys.Config, sys.Mem, lib(a2, 4))
	require.NoError(t, err)

	require.Equal(t, f1[0].Hash, f2[0].Hash)
	require.Equal(t, f1[0].Object, f2[0].Object)
	require.NotEqual(t, f2[0].Hash, f3[0].Hash)
	require.Equal(t, "__0x0", f1[0].Entries[0].Name)
	require.Equal(t, []Global{
		{Name: "__mptr0", Value: sys.Mem.ID()},
		{Name: "__cptr0", Value: uint64(a1)},
		{Name: "__seg0_0", Value: uint64(a1)},
	}, f1[0].Globals)
}

func TestObjectName(t *testing.T) {
	cfg := config.Default()
	cfg.LLVMCPU = "cell"
	name := ObjectName([32]byte{0xaa}, codegenSettings(cfg), HostCPU(cfg))
	require.Regexp(t, regexp.MustCompile(`^v3-tane-[0-9A-Za-z]{22}-[0-9A-Za-z]{11}-cell\.obj$`), name)

	cfg.SetDAZAndFTZ = !cfg.SetDAZAndFTZ
	require.NotEqual(t, name, ObjectName([32]byte{0xaa}, codegenSettings(cfg), HostCPU(cfg)))

	cfg.LLVMCPU = ""
	require.Regexp(t, `^[a-z0-9-]+$`, HostCPU(cfg))
	require.Regexp(t, `^ppu-[0-9A-Za-z]+-EBOOT\.BIN/$`, CachePath(mainModule(0, 0, NoTOC)))
}

func TestInterpreterInitialize(t *testing.T) {
	sys := newSystem(t, config.DecoderPrecise)
	sys.Config.Debug = true
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	require.Equal(t, ppu.StubHandle(ppu.StubFallback), sys.Slots.Get(addr+4).Handle())

	d := NewDriver(sys, Threaded{}, nil)
	require.NoError(t, d.Initialize(context.Background(), mainModule(addr, 12, 0x8000)))

	require.Equal(t, ppu.KindInterpreter, sys.Slots.Get(addr+4).Handle().Kind())
	require.Equal(t, ppu.StubHandle(ppu.StubCheckTOC), sys.Slots.Get(addr).Handle())
	toc, ok := sys.Slots.TOC(addr)
	require.True(t, ok)
	require.Equal(t, uint64(0x8000), toc)

	th := newThread(t, sys)
	th.FastCall(addr, 0x8000)
	require.Equal(t, uint64(12), th.GPR[3])
}

func TestCompileInstallAndReuse(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	require.Equal(t, ppu.StubHandle(ppu.StubRecompilerFallback), sys.Slots.Get(addr).Handle())

	cache := newCache(t)
	d := NewDriver(sys, Threaded{}, cache)
	m := mainModule(addr, 12, NoTOC)
	d.Add(m)
	require.NoError(t, sys.Initialize(context.Background()))

	compiled, loaded := d.Stats()
	require.Equal(t, int64(1), compiled)
	require.Zero(t, loaded)
	require.Equal(t, ppu.KindCompiled, sys.Slots.Get(addr).Handle().Kind())

	frags, err := Plan(sys.Config, sys.Mem, m)
	require.NoError(t, err)
	require.True(t, cache.Exists(CachePath(m)+frags[0].Object))

	th := newThread(t, sys)
	th.FastCall(addr, 0)
	require.Equal(t, uint64(12), th.GPR[3])

	// A second initialisation reinstalls without translating.
	sys.Slots.RegisterRange(addr, 12)
	require.NoError(t, d.Initialize(context.Background(), m))
	compiled, _ = d.Stats()
	require.Equal(t, int64(1), compiled)
	require.Equal(t, ppu.KindCompiled, sys.Slots.Get(addr).Handle().Kind())

	// Mid-block addresses stay on the fallback path.
	th.GPR[3] = 1
	th.FastCall(addr+4, 0)
	require.Equal(t, uint64(8), th.GPR[3])
}

func TestCachedObjectLoads(t *testing.T) {
	cache := newCache(t)

	sys1 := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys1, insLI3_5, insADDI3_7, insBLR)
	d1 := NewDriver(sys1, Threaded{}, cache)
	require.NoError(t, d1.Initialize(context.Background(), mainModule(addr, 12, NoTOC)))

	sys2 := newSystem(t, config.DecoderLLVM)
	require.Equal(t, addr, load(t, sys2, insLI3_5, insADDI3_7, insBLR))
	d2 := NewDriver(sys2, Threaded{}, cache)
	require.NoError(t, d2.Initialize(context.Background(), mainModule(addr, 12, NoTOC)))

	compiled, loaded := d2.Stats()
	require.Zero(t, compiled)
	require.Equal(t, int64(1), loaded)

	th := newThread(t, sys2)
	th.FastCall(addr, 0)
	require.Equal(t, uint64(12), th.GPR[3])
}

func TestCorruptObjectIsRecompiled(t *testing.T) {
	cache := newCache(t)
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	m := mainModule(addr, 12, NoTOC)

	frags, err := Plan(sys.Config, sys.Mem, m)
	require.NoError(t, err)
	name := CachePath(m) + frags[0].Object
	require.NoError(t, cache.Store(name, []byte("PPUT\x00\x00\x00\x01garbage")))

	d := NewDriver(sys, Threaded{}, cache)
	require.NoError(t, d.Initialize(context.Background(), m))
	compiled, loaded := d.Stats()
	require.Equal(t, int64(1), compiled)
	require.Zero(t, loaded)

	blob, err := cache.Load(name)
	require.NoError(t, err)
	_, err = Threaded{}.Link(NewLinkContext(sys), blob)
	require.NoError(t, err)
}

func TestLinkRejectsCorruptObjects(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insBLR)
	frags, err := Plan(sys.Config, sys.Mem, mainModule(addr, 8, NoTOC))
	require.NoError(t, err)
	tctx := NewLinkContext(sys)
	blob, err := Threaded{}.Translate(context.Background(), tctx, frags[0])
	require.NoError(t, err)

	for name, bad := range map[string][]byte{
		"magic":     append([]byte("XXXX"), blob[4:]...),
		"truncated": blob[:len(blob)-3],
		"handler":   append(append([]byte{}, blob[:len(blob)-3]...), 0xff, 0xff, 0),
	} {
		_, err := Threaded{}.Link(tctx, bad)
		require.ErrorIs(t, err, ppuerrors.ErrRObjectCorrupt, name)
	}

	lk := newLinker()
	obj, err := Threaded{}.Link(tctx, blob)
	require.NoError(t, err)
	require.NoError(t, lk.add(obj))
	require.ErrorIs(t, lk.add(obj), ppuerrors.ErrRObjectCorrupt)
}

func TestUnboundObjectTraps(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insBLR)
	frags, err := Plan(sys.Config, sys.Mem, mainModule(addr, 8, NoTOC))
	require.NoError(t, err)
	tctx := NewLinkContext(sys)
	blob, err := Threaded{}.Translate(context.Background(), tctx, frags[0])
	require.NoError(t, err)
	obj, err := Threaded{}.Link(tctx, blob)
	require.NoError(t, err)

	th := newThread(t, sys)
	th.CIA = addr
	obj.Funcs[entryName(addr, 0)](th)
	require.ErrorIs(t, th.LastError(), ppuerrors.ErrRSymbolMissing)
	require.NotZero(t, th.State()&(ppu.StateStop|ppu.StateDbgPause))
}

func TestStoppedSystemAbortsCompile(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	sys.Stop()
	d := NewDriver(sys, Threaded{}, newCache(t))
	err := d.Initialize(context.Background(), mainModule(addr, 12, NoTOC))
	require.ErrorIs(t, err, ppuerrors.ErrRStopped)
}

// stallBackend blocks translation until its context ends.
type stallBackend struct {
	Threaded
	started chan struct{}
}

func (b stallBackend) Translate(ctx context.Context, _ *LinkContext, _ *Fragment) ([]byte, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopCancelsRunningCompile(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	b := stallBackend{started: make(chan struct{})}
	d := NewDriver(sys, b, newCache(t))

	errc := make(chan error, 1)
	go func() { errc <- d.Initialize(context.Background(), mainModule(addr, 12, NoTOC)) }()

	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("translation never started")
	}
	sys.Stop()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ppuerrors.ErrRStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("initialize still blocked after stop")
	}
	compiled, _ := d.Stats()
	require.Zero(t, compiled)
	require.Equal(t, ppu.StubHandle(ppu.StubRecompilerFallback), sys.Slots.Get(addr).Handle())
}

func TestCompiledRequiresBackendAndCache(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insBLR)
	require.ErrorIs(t, NewDriver(sys, nil, newCache(t)).Initialize(context.Background(), mainModule(addr, 4, NoTOC)), ppuerrors.ErrRBackendUnavailable)
	require.ErrorIs(t, NewDriver(sys, Threaded{}, nil).Initialize(context.Background(), mainModule(addr, 4, NoTOC)), ppuerrors.ErrRCacheDir)
}

func TestCompiledChecksTOC(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	sys.Config.Debug = true
	sys.Config.PauseOnFault = true
	addr := load(t, sys, insLI3_5, insADDI3_7, insBLR)
	d := NewDriver(sys, Threaded{}, newCache(t))
	require.NoError(t, d.Initialize(context.Background(), mainModule(addr, 12, 0x8000)))
	require.Equal(t, ppu.KindCompiled, sys.Slots.Get(addr).Handle().Kind())

	th := newThread(t, sys)
	th.FastCall(addr, 0x8000)
	require.Equal(t, uint64(12), th.GPR[3])
	require.Zero(t, th.State()&ppu.StateDbgPause)

	th.GPR[3] = 0
	done := make(chan struct{})
	go func() {
		th.FastCall(addr, 0x1111)
		close(done)
	}()
	require.Eventually(t, func() bool { return th.State()&ppu.StateDbgPause != 0 }, 5*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("call finished while paused on a TOC mismatch")
	default:
	}
	th.RemoveState(ppu.StateDbgPause)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not resume")
	}
	require.Equal(t, uint64(12), th.GPR[3])
}

func TestTOCIsPartOfObject(t *testing.T) {
	sys := newSystem(t, config.DecoderLLVM)
	addr := load(t, sys, insLI3_5, insBLR)
	a, err := Plan(sys.Config, sys.Mem, mainModule(addr, 8, 0x8000))
	require.NoError(t, err)
	b, err := Plan(sys.Config, sys.Mem, mainModule(addr, 8, 0x9000))
	require.NoError(t, err)
	require.NotEqual(t, a[0].Object, b[0].Object)
}

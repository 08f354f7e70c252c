package symbolication

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/grafana/pyroscope/lidia"
	"github.com/stretchr/testify/require"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/objects"
	"github.com/symbolq/symbolq/pkg/symcache"
	"github.com/symbolq/symbolq/pkg/test"
)

func module(debugID string, addr, size uint64) model.CompleteObjectInfo {
	return model.NewCompleteObjectInfo(model.RawObjectInfo{
		Type:      model.ObjectTypeElf,
		ImageAddr: addr,
		ImageSize: size,
		DebugID:   debugID,
	})
}

func newLookup(t *testing.T, infos ...model.CompleteObjectInfo) *ModuleLookup {
	t.Helper()
	return NewModuleLookup(log.NewNopLogger(), model.ScopeGlobal, nil, infos)
}

func TestSizeInference(t *testing.T) {
	l := newLookup(t,
		module("a", 0x1000, 0),
		module("b", 0x3000, 0),
		module("c", 0x5000, 0x800),
		module("d", 0x7000, 0),
	)

	infos := l.IntoInner()
	require.Len(t, infos, 4)
	require.Equal(t, uint64(0x2000), infos[0].Raw.ImageSize)
	require.Equal(t, uint64(0x2000), infos[1].Raw.ImageSize)
	// Declared sizes are kept.
	require.Equal(t, uint64(0x800), infos[2].Raw.ImageSize)
	// The highest module has no next neighbor to infer from.
	require.Equal(t, uint64(0), infos[3].Raw.ImageSize)
}

func TestSizeInferenceDuplicateStart(t *testing.T) {
	// A zero gap between duplicate image addresses must not produce a size.
	l := newLookup(t,
		module("a", 0x1000, 0),
		module("b", 0x1000, 0x100),
	)

	infos := l.IntoInner()
	require.Equal(t, uint64(0), infos[0].Raw.ImageSize)
	require.Equal(t, uint64(0x100), infos[1].Raw.ImageSize)
}

func TestIntoInnerRestoresInputOrder(t *testing.T) {
	l := newLookup(t,
		module("high", 0x5000, 0x100),
		module("low", 0x1000, 0x100),
		module("mid", 0x3000, 0x100),
	)

	infos := l.IntoInner()
	require.Equal(t, "high", infos[0].Raw.DebugID)
	require.Equal(t, "low", infos[1].Raw.DebugID)
	require.Equal(t, "mid", infos[2].Raw.DebugID)
}

func TestLookupAbsolute(t *testing.T) {
	l := newLookup(t,
		module("a", 0x1000, 0x100),
		module("b", 0x3000, 0x100),
	)

	for _, tc := range []struct {
		addr    uint64
		debugID string
		rel     uint64
	}{
		{0x1000, "a", 0},
		{0x1050, "a", 0x50},
		{0x1100, "a", 0x100},
		{0x3000, "b", 0},
		{0x3100, "b", 0x100},
	} {
		res := l.LookupSymCache(tc.addr, model.AbsAddrMode())
		require.NotNil(t, res, "addr %#x", tc.addr)
		require.Equal(t, tc.debugID, res.ObjectInfo.Raw.DebugID, "addr %#x", tc.addr)
		require.True(t, res.HasRelativeAddr)
		require.Equal(t, tc.rel, res.RelativeAddr)
	}

	// Below the first module, in the gap, and past the last bounded range.
	for _, addr := range []uint64{0x500, 0x2000, 0x4000} {
		require.Nil(t, l.LookupSymCache(addr, model.AbsAddrMode()), "addr %#x", addr)
	}
}

func TestLookupUnboundedLast(t *testing.T) {
	// The highest module keeps an unknown extent, so it matches any address
	// at or above its start.
	l := newLookup(t,
		module("a", 0x1000, 0x100),
		module("b", 0x3000, 0),
	)

	res := l.LookupSymCache(0xfff_ffff, model.AbsAddrMode())
	require.NotNil(t, res)
	require.Equal(t, "b", res.ObjectInfo.Raw.DebugID)

	require.Nil(t, l.LookupSymCache(0x2fff, model.AbsAddrMode()))
}

func TestLookupOverlappingFirstWins(t *testing.T) {
	l := newLookup(t,
		module("a", 0x1000, 0x2000),
		module("b", 0x1800, 0x100),
	)

	res := l.LookupSymCache(0x1900, model.AbsAddrMode())
	require.NotNil(t, res)
	require.Equal(t, "a", res.ObjectInfo.Raw.DebugID)
}

func TestLookupBoundedCoveringUnbounded(t *testing.T) {
	l := newLookup(t,
		module("a", 0x1000, 0x1000),
		module("b", 0x1800, 0),
	)

	// Inside both: the lower module wins.
	res := l.LookupSymCache(0x1900, model.AbsAddrMode())
	require.NotNil(t, res)
	require.Equal(t, "a", res.ObjectInfo.Raw.DebugID)

	// Past the bounded range only the unknown-extent module matches.
	res = l.LookupSymCache(0x2800, model.AbsAddrMode())
	require.NotNil(t, res)
	require.Equal(t, "b", res.ObjectInfo.Raw.DebugID)
}

func TestLookupRelative(t *testing.T) {
	l := newLookup(t,
		module("a", 0x5000, 0x100),
		module("b", 0x1000, 0x100),
	)

	res := l.LookupSymCache(0x42, model.RelAddrMode(0))
	require.NotNil(t, res)
	require.Equal(t, "a", res.ObjectInfo.Raw.DebugID)
	require.Equal(t, 0, res.ModuleIndex)
	require.True(t, res.HasRelativeAddr)
	require.Equal(t, uint64(0x42), res.RelativeAddr)

	require.Nil(t, l.LookupSymCache(0x42, model.RelAddrMode(2)))
	require.Nil(t, l.LookupSymCache(0x42, model.RelAddrMode(-1)))
}

func TestPreferredAddrMode(t *testing.T) {
	elfInfo := module("a", 0x1000, 0x100)
	res := &SymCacheLookupResult{ModuleIndex: 3, ObjectInfo: &elfInfo}
	require.Equal(t, model.AbsAddrMode(), res.PreferredAddrMode())
	require.Equal(t, uint64(0x1042), res.ExposePreferredAddr(0x42))

	wasmInfo := model.NewCompleteObjectInfo(model.RawObjectInfo{
		Type:      model.ObjectTypeWasm,
		ImageAddr: 0x1000,
	})
	res = &SymCacheLookupResult{ModuleIndex: 3, ObjectInfo: &wasmInfo}
	require.Equal(t, model.RelAddrMode(3), res.PreferredAddrMode())
	require.Equal(t, uint64(0x42), res.ExposePreferredAddr(0x42))
}

// fakeFetcher serves canned symcache results keyed by debug identifier.
type fakeFetcher struct {
	results map[string]fakeFetchResult
	calls   map[string]int
}

type fakeFetchResult struct {
	file   *symcache.File
	err    error
	panics bool
}

func (f *fakeFetcher) FetchSymCache(_ context.Context, req symcache.Request) (*symcache.File, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.Identifier.DebugID]++
	res, ok := f.results[req.Identifier.DebugID]
	if !ok {
		return nil, fmt.Errorf("unexpected fetch for %q", req.Identifier.DebugID)
	}
	if res.panics {
		panic("fetcher exploded")
	}
	return res.file, res.err
}

// buildSymCacheData derives real symbol cache bytes from a synthetic ELF.
func buildSymCacheData(t *testing.T, syms []test.ELFSym) []byte {
	t.Helper()
	elfFile, err := elf.NewFile(bytes.NewReader(test.BuildELF(syms)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "symcache")
	out, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, lidia.CreateLidiaFromELF(elfFile, out, lidia.WithCRC(), lidia.WithFiles(), lidia.WithLines()))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func foundFile(t *testing.T, source string) *symcache.File {
	t.Helper()
	data := buildSymCacheData(t, []test.ELFSym{{Name: "main", Value: 0x100, Size: 0x50}})
	return symcache.NewFile(data, "x86_64",
		model.ObjectFeatures{HasSymbols: true},
		model.CandidateList{{Source: source, Location: "loc", Status: model.CandidateOK}},
	)
}

func missingFile(source string) *symcache.File {
	return symcache.NewFile(nil, "", model.ObjectFeatures{},
		model.CandidateList{{Source: source, Location: "loc", Status: model.CandidateNotFound}},
	)
}

func stacktraceAt(addrs ...uint64) []model.RawStacktrace {
	frames := make([]model.RawFrame, len(addrs))
	for i, addr := range addrs {
		frames[i] = model.RawFrame{InstructionAddr: addr, AddrMode: model.AbsAddrMode()}
	}
	return []model.RawStacktrace{{ThreadID: 1, Frames: frames}}
}

func TestFetchSymCaches(t *testing.T) {
	l := newLookup(t,
		module("found", 0x1000, 0x1000),
		module("missing", 0x2000, 0x1000),
		module("broken", 0x3000, 0x1000),
		module("panics", 0x4000, 0x1000),
		module("unused", 0x5000, 0x1000),
	)

	fetcher := &fakeFetcher{results: map[string]fakeFetchResult{
		"found":   {file: foundFile(t, "s1")},
		"missing": {file: missingFile("s1")},
		"broken":  {err: &symcache.Error{Kind: symcache.KindDownloadFailed}},
		"panics":  {panics: true},
	}}

	l.FetchSymCaches(context.Background(), fetcher, stacktraceAt(0x1100, 0x2100, 0x3100, 0x4100))

	infos := map[string]model.CompleteObjectInfo{}
	for _, info := range l.IntoInner() {
		infos[info.Raw.DebugID] = info
	}

	require.Equal(t, model.StatusFound, infos["found"].DebugStatus)
	require.Equal(t, model.Architecture("x86_64"), infos["found"].Arch)
	require.True(t, infos["found"].Features.HasSymbols)
	require.Len(t, infos["found"].Candidates, 1)

	require.Equal(t, model.StatusMissing, infos["missing"].DebugStatus)
	require.Equal(t, model.ArchUnknown, infos["missing"].Arch)
	require.Len(t, infos["missing"].Candidates, 1)

	require.Equal(t, model.StatusFetchingFailed, infos["broken"].DebugStatus)
	require.Equal(t, model.StatusOther, infos["panics"].DebugStatus)

	require.Equal(t, model.StatusUnused, infos["unused"].DebugStatus)
	require.Zero(t, fetcher.calls["unused"])
}

func TestFetchSymCachesResultsReplaced(t *testing.T) {
	// A later fetch phase overwrites the per-module outcome; the reported
	// architecture never carries over from the previous artifact.
	l := newLookup(t, module("mod", 0x1000, 0x1000))

	fetcher := &fakeFetcher{results: map[string]fakeFetchResult{
		"mod": {file: foundFile(t, "s1")},
	}}
	l.FetchSymCaches(context.Background(), fetcher, stacktraceAt(0x1120))

	res := l.LookupSymCache(0x1120, model.AbsAddrMode())
	require.NotNil(t, res)
	require.NotNil(t, res.SymCache)
	require.Equal(t, model.StatusFound, res.ObjectInfo.DebugStatus)

	fetcher.results["mod"] = fakeFetchResult{file: missingFile("s1")}
	l.FetchSymCaches(context.Background(), fetcher, stacktraceAt(0x1120))

	res = l.LookupSymCache(0x1120, model.AbsAddrMode())
	require.NotNil(t, res)
	require.Nil(t, res.SymCache)
	require.Equal(t, model.StatusMissing, res.ObjectInfo.DebugStatus)
	require.Equal(t, model.ArchUnknown, res.ObjectInfo.Arch)
	// Features and provenance from the earlier phase stick.
	require.True(t, res.ObjectInfo.Features.HasSymbols)
	require.Len(t, res.ObjectInfo.Candidates, 1)
}

// fakeFinder serves canned object files keyed by debug identifier.
type fakeFinder struct {
	objects map[string][]byte
}

func (f *fakeFinder) Find(_ context.Context, q objects.FindObject) (objects.FindResult, error) {
	if _, ok := f.objects[q.Identifier.DebugID]; !ok {
		return objects.FindResult{}, nil
	}
	return objects.FindResult{Meta: &objects.ObjectFileMeta{Key: q.Identifier.DebugID}}, nil
}

func (f *fakeFinder) Fetch(_ context.Context, meta objects.ObjectFileMeta) ([]byte, error) {
	return f.objects[meta.Key], nil
}

func testBundle(t *testing.T) []byte {
	t.Helper()
	var content bytes.Buffer
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	return test.BuildSourceBundle(map[string]string{
		"/src/main.c": content.String(),
	})
}

func TestFetchSources(t *testing.T) {
	l := newLookup(t,
		module("bundled", 0x1000, 0x1000),
		module("bare", 0x2000, 0x1000),
	)

	finder := &fakeFinder{objects: map[string][]byte{
		"bundled": testBundle(t),
	}}

	l.FetchSources(context.Background(), finder, symbolicatedAt(l, 0x1100, 0x2100))

	sessions := l.PrepareDebugSessions()
	require.Len(t, sessions, 2)
	require.NotNil(t, sessions[0])
	require.Nil(t, sessions[1])

	res := l.LookupSymCache(0x1100, model.AbsAddrMode())
	require.NotNil(t, res)
	require.True(t, res.ObjectInfo.Features.HasSources)

	// A later phase that no longer references the module drops its source
	// object again.
	l.FetchSources(context.Background(), finder, symbolicatedAt(l, 0x2100))
	sessions = l.PrepareDebugSessions()
	require.Nil(t, sessions[0])

	res = l.LookupSymCache(0x1100, model.AbsAddrMode())
	require.Equal(t, model.StatusUnused, res.ObjectInfo.DebugStatus)
}

// symbolicatedAt fabricates minimal symbolicated stacks whose frames carry
// the raw addresses the source fetch phase resolves against the table.
func symbolicatedAt(l *ModuleLookup, addrs ...uint64) []model.CompleteStacktrace {
	frames := make([]model.CompleteFrame, len(addrs))
	for i, addr := range addrs {
		frames[i] = model.CompleteFrame{
			Raw: model.RawFrame{InstructionAddr: addr, AddrMode: model.AbsAddrMode()},
		}
	}
	return []model.CompleteStacktrace{{ThreadID: 1, Frames: frames}}
}

func TestGetContextLines(t *testing.T) {
	l := newLookup(t, module("bundled", 0x1000, 0x1000))
	finder := &fakeFinder{objects: map[string][]byte{
		"bundled": testBundle(t),
	}}
	l.FetchSources(context.Background(), finder, symbolicatedAt(l, 0x1100))
	sessions := l.PrepareDebugSessions()

	pre, line, post, ok := l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/main.c", 10, 2)
	require.True(t, ok)
	require.Equal(t, []string{"line 9"}, pre)
	require.Equal(t, "line 10", line)
	require.Equal(t, []string{"line 11", "line 12"}, post)

	// The window is clamped at both ends of the file.
	pre, line, post, ok = l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/main.c", 1, 2)
	require.True(t, ok)
	require.Empty(t, pre)
	require.Equal(t, "line 1", line)
	require.Equal(t, []string{"line 2", "line 3"}, post)

	pre, line, post, ok = l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/main.c", 20, 2)
	require.True(t, ok)
	require.Equal(t, []string{"line 19"}, pre)
	require.Equal(t, "line 20", line)
	require.Empty(t, post)

	// No context requested.
	pre, line, post, ok = l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/main.c", 10, 0)
	require.True(t, ok)
	require.Empty(t, pre)
	require.Equal(t, "line 10", line)
	require.Empty(t, post)

	// Past the end of the file.
	_, _, _, ok = l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/main.c", 25, 2)
	require.False(t, ok)

	// Unknown path and unresolvable address.
	_, _, _, ok = l.GetContextLines(sessions, 0x1100, model.AbsAddrMode(), "/src/other.c", 10, 2)
	require.False(t, ok)
	_, _, _, ok = l.GetContextLines(sessions, 0x9000, model.AbsAddrMode(), "/src/main.c", 10, 2)
	require.False(t, ok)
}

func TestSplitLines(t *testing.T) {
	require.Nil(t, splitLines(""))
	require.Equal(t, []string{"a", "b"}, splitLines("a\nb"))
	require.Equal(t, []string{"a", "b"}, splitLines("a\nb\n"))
	require.Equal(t, []string{"a", "b"}, splitLines("a\r\nb\r\n"))
	require.Equal(t, []string{"a", ""}, splitLines("a\n\n"))
}

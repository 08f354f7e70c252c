// Package symbolication maps stack trace addresses to the debug modules
// that contain them and gathers the per-module artifacts needed to turn
// those addresses into names and source lines.
package symbolication

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/objects"
	"github.com/symbolq/symbolq/pkg/objfile"
	"github.com/symbolq/symbolq/pkg/sources"
	"github.com/symbolq/symbolq/pkg/symcache"
)

// SymCacheLookupResult is the outcome of resolving one address against the
// module table. ObjectInfo and SymCache alias the table's state and are
// only valid until the table is next mutated.
type SymCacheLookupResult struct {
	ModuleIndex int
	ObjectInfo  *model.CompleteObjectInfo
	SymCache    *symcache.File

	// RelativeAddr is the queried address translated into the module's
	// address space. HasRelativeAddr is false when the translation failed.
	RelativeAddr    uint64
	HasRelativeAddr bool
}

// PreferredAddrMode returns the addressing mode in which frames of this
// module should be reported back. Modules without a unified address space
// (e.g. WASM) stay relative to their own index; everything else is
// reported absolute.
func (r *SymCacheLookupResult) PreferredAddrMode() model.AddrMode {
	if r.ObjectInfo.SupportsAbsoluteAddresses() {
		return model.AbsAddrMode()
	}
	return model.RelAddrMode(r.ModuleIndex)
}

// ExposePreferredAddr translates a module-relative address into the form
// chosen by PreferredAddrMode.
func (r *SymCacheLookupResult) ExposePreferredAddr(addr uint64) uint64 {
	if r.ObjectInfo.SupportsAbsoluteAddresses() {
		abs, ok := r.ObjectInfo.RelToAbsAddr(addr)
		if !ok {
			return 0
		}
		return abs
	}
	return addr
}

type moduleEntry struct {
	moduleIndex  int
	objectInfo   model.CompleteObjectInfo
	symCache     *symcache.File
	sourceObject *objfile.SourceObject
}

// ModuleLookup is the per-request module table. It is built once from the
// request's module list, accumulates fetch results through the two fetch
// phases, and serves address resolution in between. It must not be mutated
// while a fetch phase is in flight.
type ModuleLookup struct {
	logger  log.Logger
	modules []moduleEntry
	scope   model.Scope
	sources []sources.SourceConfig

	// byIndex maps a stable module index to its position in the
	// address-sorted modules slice.
	byIndex []int
	// unbounded lists sorted positions whose extent is unknown: a declared
	// or inferred size of 0, or a range whose end would overflow. Such
	// modules can match any address at or above their start.
	unbounded []int
	// overlapping is set when declared module ranges overlap. Resolution
	// then falls back to a linear scan so that the first module in
	// ascending address order keeps winning.
	overlapping bool
}

// NewModuleLookup builds the module table for one symbolication request.
// Every descriptor is kept, however malformed; each is assigned a stable
// index in input order before the table is sorted by image address.
// Modules with no declared size get one inferred from the gap to the next
// higher image address.
func NewModuleLookup(logger log.Logger, scope model.Scope, srcs []sources.SourceConfig, infos []model.CompleteObjectInfo) *ModuleLookup {
	l := &ModuleLookup{
		logger:  log.With(logger, "component", "module_lookup"),
		modules: make([]moduleEntry, 0, len(infos)),
		scope:   scope,
		sources: srcs,
	}

	for moduleIndex, info := range infos {
		l.modules = append(l.modules, moduleEntry{
			moduleIndex: moduleIndex,
			objectInfo:  info,
		})
	}

	sort.SliceStable(l.modules, func(i, j int) bool {
		return l.modules[i].objectInfo.Raw.ImageAddr < l.modules[j].objectInfo.Raw.ImageAddr
	})

	// Fill in missing sizes from the gap to the next module. The last
	// module never gets a size inferred, and declared sizes are never
	// overwritten.
	for i := 0; i+1 < len(l.modules); i++ {
		raw := &l.modules[i].objectInfo.Raw
		gap := l.modules[i+1].objectInfo.Raw.ImageAddr - raw.ImageAddr
		if raw.ImageSize == 0 && gap > 0 {
			raw.ImageSize = gap
		}
	}

	l.byIndex = make([]int, len(l.modules))
	var maxEnd uint64
	haveBounded := false
	for pos := range l.modules {
		entry := &l.modules[pos]
		l.byIndex[entry.moduleIndex] = pos

		start := entry.objectInfo.Raw.ImageAddr
		size := entry.objectInfo.Raw.ImageSize
		end := start + size
		if haveBounded && maxEnd >= start {
			// A bounded range reaches into this module's range. The sorted
			// order alone no longer determines the winner.
			l.overlapping = true
		}
		if size == 0 || end < start {
			l.unbounded = append(l.unbounded, pos)
			continue
		}
		if !haveBounded || end > maxEnd {
			maxEnd = end
		}
		haveBounded = true
	}

	return l
}

// IntoInner returns the module infos in their original input order. The
// table must not be used afterwards.
func (l *ModuleLookup) IntoInner() []model.CompleteObjectInfo {
	sort.Slice(l.modules, func(i, j int) bool {
		return l.modules[i].moduleIndex < l.modules[j].moduleIndex
	})
	infos := make([]model.CompleteObjectInfo, len(l.modules))
	for i, entry := range l.modules {
		infos[i] = entry.objectInfo
	}
	l.modules = nil
	return infos
}

// LookupSymCache resolves the instruction address to the module containing
// it, along with that module's symbol cache.
func (l *ModuleLookup) LookupSymCache(addr uint64, addrMode model.AddrMode) *SymCacheLookupResult {
	pos, ok := l.findPosition(addr, addrMode)
	if !ok {
		return nil
	}
	entry := &l.modules[pos]

	result := &SymCacheLookupResult{
		ModuleIndex: entry.moduleIndex,
		ObjectInfo:  &entry.objectInfo,
		SymCache:    entry.symCache,
	}
	if addrMode.IsAbs() {
		result.RelativeAddr, result.HasRelativeAddr = entry.objectInfo.AbsToRelAddr(addr)
	} else {
		result.RelativeAddr, result.HasRelativeAddr = addr, true
	}
	return result
}

// findPosition locates the entry owning the address. In absolute mode the
// first module in ascending address order whose range admits the address
// wins; a size of 0 means the extent is unknown, so such a module is never
// excluded by the upper bound check. In relative mode the address's anchor
// index is looked up directly.
func (l *ModuleLookup) findPosition(addr uint64, addrMode model.AddrMode) (int, bool) {
	if moduleIndex, rel := addrMode.ModuleIndex(); rel {
		if moduleIndex < 0 || moduleIndex >= len(l.byIndex) {
			return 0, false
		}
		return l.byIndex[moduleIndex], true
	}

	if l.overlapping {
		return l.findPositionScan(addr)
	}

	// Modules are sorted by start address and their ranges do not overlap,
	// so at most one bounded module can contain the address: the last one
	// starting at or below it. Any unbounded module starting at or below
	// the address also matches; the earliest match wins.
	hi := sort.Search(len(l.modules), func(i int) bool {
		return l.modules[i].objectInfo.Raw.ImageAddr > addr
	})

	best := -1
	if hi > 0 {
		raw := &l.modules[hi-1].objectInfo.Raw
		if size := raw.ImageSize; size != 0 {
			end := raw.ImageAddr + size
			if end >= raw.ImageAddr && end >= addr {
				best = hi - 1
			}
		}
	}
	if len(l.unbounded) > 0 && l.unbounded[0] < hi {
		if best == -1 || l.unbounded[0] < best {
			best = l.unbounded[0]
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (l *ModuleLookup) findPositionScan(addr uint64) (int, bool) {
	for pos := range l.modules {
		raw := &l.modules[pos].objectInfo.Raw
		if raw.ImageAddr > addr {
			// The image starts at a too high address.
			continue
		}
		size := raw.ImageSize
		if end := raw.ImageAddr + size; end >= raw.ImageAddr && end < addr && size != 0 {
			// The image ends at a too low address and the end is accurate
			// because the size is known.
			continue
		}
		return pos, true
	}
	return 0, false
}

type fetchJob struct {
	pos int
}

// FetchSymCaches fetches the symbol caches of every module referenced by
// the given stack traces. Modules no frame resolves into are marked unused
// and skipped. The fetches run concurrently; a failed fetch only affects
// its own module's status. The table must not be mutated until the call
// returns.
func (l *ModuleLookup) FetchSymCaches(ctx context.Context, fetcher symcache.Fetcher, stacktraces []model.RawStacktrace) {
	referenced := make(map[int]struct{})
	for _, stacktrace := range stacktraces {
		for _, frame := range stacktrace.Frames {
			if res := l.LookupSymCache(frame.InstructionAddr, frame.AddrMode); res != nil {
				referenced[res.ModuleIndex] = struct{}{}
			}
		}
	}

	var jobs []fetchJob
	for pos := range l.modules {
		entry := &l.modules[pos]
		if _, used := referenced[entry.moduleIndex]; !used {
			entry.objectInfo.DebugStatus = model.StatusUnused
			continue
		}
		jobs = append(jobs, fetchJob{pos: pos})
	}

	type symCacheResult struct {
		file *symcache.File
		err  error
	}
	results := make([]symCacheResult, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		entry := &l.modules[job.pos]
		req := symcache.Request{
			ObjectType: entry.objectInfo.Raw.Type,
			Identifier: model.ObjectIDFromObjectInfo(entry.objectInfo.Raw),
			Sources:    l.sources,
			Scope:      l.scope,
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = symCacheResult{err: fmt.Errorf("symcache fetch panicked: %v", r)}
				}
			}()
			file, err := fetcher.FetchSymCache(ctx, req)
			results[i] = symCacheResult{file: file, err: err}
			// Failures are isolated per module, never returned to the
			// group: the join must not cancel sibling fetches.
			return nil
		})
	}
	_ = g.Wait()

	for i, job := range jobs {
		entry := &l.modules[job.pos]
		res := results[i]

		var file *symcache.File
		var status model.ObjectFileStatus
		switch {
		case res.err != nil:
			status = statusFromError(res.err)
			level.Debug(l.logger).Log("msg", "symcache fetch failed", "module_index", entry.moduleIndex, "status", status, "err", res.err)
		default:
			file = res.file
			table, perr := file.Parse()
			switch {
			case perr != nil:
				file = nil
				status = model.StatusMalformed
			case table == nil:
				status = model.StatusMissing
			default:
				table.Close()
				status = model.StatusFound
			}
		}

		// The reported architecture always reflects the latest fetch
		// outcome, never a stale prior value.
		entry.objectInfo.Arch = model.ArchUnknown

		if file != nil {
			entry.objectInfo.Arch = file.Architecture()
			entry.objectInfo.Features.Merge(file.Features())
			entry.objectInfo.Candidates.Merge(file.Candidates())
		}

		if status == model.StatusFound {
			entry.symCache = file
		} else {
			entry.symCache = nil
		}
		entry.objectInfo.DebugStatus = status
	}
}

// FetchSources fetches the debug source objects of every module referenced
// by the given symbolicated stack traces. Failures at any step downgrade
// to "no source object" for that module; modules no frame resolves into
// get any previously fetched source object cleared.
func (l *ModuleLookup) FetchSources(ctx context.Context, finder objects.Finder, stacktraces []model.CompleteStacktrace) {
	referenced := make(map[int]struct{})
	for _, stacktrace := range stacktraces {
		for _, frame := range stacktrace.Frames {
			if pos, ok := l.findPosition(frame.Raw.InstructionAddr, frame.Raw.AddrMode); ok {
				referenced[l.modules[pos].moduleIndex] = struct{}{}
			}
		}
	}

	var jobs []fetchJob
	for pos := range l.modules {
		entry := &l.modules[pos]
		if _, used := referenced[entry.moduleIndex]; !used {
			entry.objectInfo.DebugStatus = model.StatusUnused
			entry.sourceObject = nil
			continue
		}
		jobs = append(jobs, fetchJob{pos: pos})
	}

	results := make([]*objfile.SourceObject, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		entry := &l.modules[job.pos]
		find := objects.FindObject{
			FileTypes:  sources.SourceTypes(),
			Purpose:    objects.PurposeSource,
			Scope:      l.scope,
			Identifier: model.ObjectIDFromObjectInfo(entry.objectInfo.Raw),
			Sources:    l.sources,
		}
		moduleIndex := entry.moduleIndex
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					level.Warn(l.logger).Log("msg", "source fetch panicked", "module_index", moduleIndex, "panic", r)
					results[i] = nil
				}
			}()
			results[i] = l.fetchSourceObject(ctx, finder, moduleIndex, find)
			return nil
		})
	}
	_ = g.Wait()

	for i, job := range jobs {
		entry := &l.modules[job.pos]
		entry.sourceObject = results[i]

		if entry.sourceObject != nil {
			entry.objectInfo.Features.HasSources = true
		}
	}
}

func (l *ModuleLookup) fetchSourceObject(ctx context.Context, finder objects.Finder, moduleIndex int, find objects.FindObject) *objfile.SourceObject {
	found, err := finder.Find(ctx, find)
	if err != nil || found.Meta == nil {
		return nil
	}

	data, err := finder.Fetch(ctx, *found.Meta)
	if err != nil {
		level.Debug(l.logger).Log("msg", "source object fetch failed", "module_index", moduleIndex, "err", err)
		return nil
	}

	sourceObject, err := objfile.NewSourceObject(data)
	if err != nil {
		level.Debug(l.logger).Log("msg", "source object parse failed", "module_index", moduleIndex, "err", err)
		return nil
	}
	return sourceObject
}

// PrepareDebugSessions opens a debug session for every module holding a
// source object. The sessions are returned as a separate lookup keyed by
// stable module index: they borrow from the source objects inside the
// table, so they are built fresh on demand and must be consumed before the
// table is next mutated. Modules without a source object, and source
// objects whose session cannot be opened, map to nil.
func (l *ModuleLookup) PrepareDebugSessions() map[int]*objfile.DebugSession {
	sessions := make(map[int]*objfile.DebugSession, len(l.modules))
	for pos := range l.modules {
		entry := &l.modules[pos]
		sessions[entry.moduleIndex] = nil
		if entry.sourceObject == nil {
			continue
		}
		session, err := entry.sourceObject.Object().DebugSession()
		if err != nil {
			level.Debug(l.logger).Log("msg", "opening debug session failed", "module_index", entry.moduleIndex, "err", err)
			continue
		}
		sessions[entry.moduleIndex] = session
	}
	return sessions
}

// GetContextLines returns the source line at the given location plus up to
// n lines of context on either side. It returns ok=false when the address
// resolves to no module, the module has no session, the session has no
// file under the path, or the file is too short.
func (l *ModuleLookup) GetContextLines(
	sessions map[int]*objfile.DebugSession,
	addr uint64,
	addrMode model.AddrMode,
	absPath string,
	lineno uint32,
	n int,
) (pre []string, line string, post []string, ok bool) {
	pos, found := l.findPosition(addr, addrMode)
	if !found {
		return nil, "", nil, false
	}
	session := sessions[l.modules[pos].moduleIndex]
	if session == nil {
		return nil, "", nil, false
	}
	source, exists, err := session.SourceByPath(absPath)
	if err != nil || !exists {
		return nil, "", nil, false
	}

	lines := splitLines(source)

	target := int(lineno)
	start := target - n
	if start < 0 {
		start = 0
	}
	// Leading context covers the lines strictly between start and the
	// target line.
	preCount := target - start - 1
	if preCount < 0 {
		preCount = 0
	}

	idx := start
	if idx > len(lines) {
		idx = len(lines)
	}
	preEnd := idx + preCount
	if preEnd > len(lines) {
		preEnd = len(lines)
	}
	pre = append([]string(nil), lines[idx:preEnd]...)
	idx = preEnd

	if idx >= len(lines) {
		return nil, "", nil, false
	}
	line = lines[idx]
	idx++

	postEnd := idx + n
	if postEnd > len(lines) {
		postEnd = len(lines)
	}
	post = append([]string(nil), lines[idx:postEnd]...)

	return pre, line, post, true
}

// splitLines splits source text into lines, tolerating both LF and CRLF
// endings. A trailing newline does not produce an empty final line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

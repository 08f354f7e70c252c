package symbolication

import (
	"github.com/grafana/pyroscope/lidia"

	"github.com/symbolq/symbolq/pkg/model"
)

// SymbolicateStacktraces resolves every raw frame against the module table
// and its fetched symbol caches. Frames that resolve to no module, or to a
// module without a usable symbol cache, keep their raw address and are
// marked with the owning module's status. Resolved frames are reported in
// the module's preferred addressing mode.
//
// FetchSymCaches must have completed before this is called.
func (l *ModuleLookup) SymbolicateStacktraces(stacktraces []model.RawStacktrace) []model.CompleteStacktrace {
	tables := make(map[int]*lidia.Table)
	defer func() {
		for _, table := range tables {
			if table != nil {
				table.Close()
			}
		}
	}()

	var framesBuf []lidia.SourceInfoFrame

	complete := make([]model.CompleteStacktrace, len(stacktraces))
	for i, stacktrace := range stacktraces {
		frames := make([]model.CompleteFrame, 0, len(stacktrace.Frames))
		for _, raw := range stacktrace.Frames {
			frames = append(frames, l.symbolicateFrame(raw, tables, &framesBuf))
		}
		complete[i] = model.CompleteStacktrace{
			ThreadID: stacktrace.ThreadID,
			Frames:   frames,
		}
	}
	return complete
}

func (l *ModuleLookup) symbolicateFrame(raw model.RawFrame, tables map[int]*lidia.Table, framesBuf *[]lidia.SourceInfoFrame) model.CompleteFrame {
	frame := model.CompleteFrame{
		Raw:             raw,
		InstructionAddr: raw.InstructionAddr,
		AddrMode:        raw.AddrMode,
		Status:          model.StatusMissing,
	}

	res := l.LookupSymCache(raw.InstructionAddr, raw.AddrMode)
	if res == nil {
		return frame
	}

	frame.AddrMode = res.PreferredAddrMode()
	if res.HasRelativeAddr {
		frame.InstructionAddr = res.ExposePreferredAddr(res.RelativeAddr)
	}
	frame.Status = res.ObjectInfo.DebugStatus

	if res.SymCache == nil || !res.HasRelativeAddr {
		return frame
	}

	table, ok := tables[res.ModuleIndex]
	if !ok {
		var err error
		table, err = res.SymCache.Parse()
		if err != nil {
			table = nil
		}
		tables[res.ModuleIndex] = table
	}
	if table == nil {
		return frame
	}

	found, err := table.Lookup(*framesBuf, res.RelativeAddr)
	*framesBuf = found
	if err != nil || len(found) == 0 {
		return frame
	}

	// The innermost frame names the sampled location; inlined callers are
	// not expanded here.
	frame.Function = found[0].FunctionName
	frame.AbsPath = found[0].FilePath
	frame.LineNo = uint32(found[0].LineNumber)
	frame.Status = model.StatusFound
	return frame
}

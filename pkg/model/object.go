package model

import (
	"sort"
	"strings"
)

// Scope restricts artifact lookups to one tenant. The global scope is
// shared by everyone.
type Scope string

const ScopeGlobal Scope = "global"

// ObjectType describes the container format of a debug image.
type ObjectType string

const (
	ObjectTypeElf          ObjectType = "elf"
	ObjectTypeMachO        ObjectType = "macho"
	ObjectTypePE           ObjectType = "pe"
	ObjectTypeWasm         ObjectType = "wasm"
	ObjectTypeSourceBundle ObjectType = "sourcebundle"
	ObjectTypeUnknown      ObjectType = "unknown"
)

// SupportsAbsoluteAddresses reports whether images of this type live in a
// unified address space. WASM modules do not, so their addresses can never
// be absolutized.
func (t ObjectType) SupportsAbsoluteAddresses() bool {
	return t != ObjectTypeWasm
}

// Architecture of a debug artifact, e.g. "x86_64" or "arm64". Unknown until
// an artifact has been fetched and inspected.
type Architecture string

const ArchUnknown Architecture = "unknown"

// ObjectFileStatus is the per-module outcome of an artifact fetch.
type ObjectFileStatus string

const (
	// StatusUnfetched is the initial state before any fetch phase ran.
	StatusUnfetched ObjectFileStatus = "unfetched"
	// StatusFound means a usable artifact was fetched.
	StatusFound ObjectFileStatus = "found"
	// StatusUnused means no frame in the request resolved into the module,
	// so no artifact was fetched for it.
	StatusUnused ObjectFileStatus = "unused"
	// StatusMissing means all configured sources were searched and none had
	// the artifact.
	StatusMissing ObjectFileStatus = "missing"
	// StatusMalformed means an artifact was fetched but could not be parsed.
	StatusMalformed ObjectFileStatus = "malformed"
	// StatusFetchingFailed means a download failed with a transient error.
	StatusFetchingFailed ObjectFileStatus = "fetching_failed"
	// StatusTimeout means the fetch did not complete in time.
	StatusTimeout ObjectFileStatus = "timeout"
	// StatusOther covers internal errors that have no dedicated status.
	StatusOther ObjectFileStatus = "other"
)

// ObjectFeatures describes what an object file contributes to
// symbolication. Merging is a union: a feature observed on any fetched
// artifact of a module sticks.
type ObjectFeatures struct {
	HasSymbols    bool `json:"has_symbols"`
	HasDebugInfo  bool `json:"has_debug_info"`
	HasUnwindInfo bool `json:"has_unwind_info"`
	HasSources    bool `json:"has_sources"`
}

func (f *ObjectFeatures) Merge(other ObjectFeatures) {
	f.HasSymbols = f.HasSymbols || other.HasSymbols
	f.HasDebugInfo = f.HasDebugInfo || other.HasDebugInfo
	f.HasUnwindInfo = f.HasUnwindInfo || other.HasUnwindInfo
	f.HasSources = f.HasSources || other.HasSources
}

// CandidateStatus records the outcome of probing one source location.
type CandidateStatus string

const (
	CandidateOK       CandidateStatus = "ok"
	CandidateNotFound CandidateStatus = "notfound"
	CandidateError    CandidateStatus = "error"
)

// ObjectCandidate records that a particular location in a particular source
// was searched for an artifact, and what came of it.
type ObjectCandidate struct {
	Source   string          `json:"source"`
	Location string          `json:"location"`
	Status   CandidateStatus `json:"status"`
	Details  string          `json:"details,omitempty"`
}

// CandidateList accumulates provenance across fetch phases. It stays sorted
// by source and location.
type CandidateList []ObjectCandidate

// Merge unions other into the list. An incoming candidate for a location
// that was already probed replaces the recorded outcome; provenance from
// earlier phases is otherwise kept, never overwritten wholesale.
func (c *CandidateList) Merge(other CandidateList) {
	for _, cand := range other {
		if i, ok := c.find(cand.Source, cand.Location); ok {
			(*c)[i] = cand
			continue
		}
		*c = append(*c, cand)
	}
	sort.Slice(*c, func(i, j int) bool {
		a, b := (*c)[i], (*c)[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Location < b.Location
	})
}

func (c CandidateList) find(source, location string) (int, bool) {
	for i, cand := range c {
		if cand.Source == source && cand.Location == location {
			return i, true
		}
	}
	return 0, false
}

// RawObjectInfo describes a loaded debug image as reported by the client.
type RawObjectInfo struct {
	Type      ObjectType `json:"type"`
	ImageAddr uint64     `json:"image_addr"`
	// ImageSize is the byte extent of the mapped image. 0 means unknown;
	// a best-effort size may be inferred from the next image's address.
	ImageSize uint64 `json:"image_size"`
	CodeID    string `json:"code_id"`
	CodeFile  string `json:"code_file"`
	DebugID   string `json:"debug_id"`
	DebugFile string `json:"debug_file"`
}

// CompleteObjectInfo is a RawObjectInfo annotated with everything the fetch
// phases learned about the module.
type CompleteObjectInfo struct {
	Raw         RawObjectInfo    `json:"raw"`
	DebugStatus ObjectFileStatus `json:"debug_status"`
	Arch        Architecture     `json:"arch"`
	Features    ObjectFeatures   `json:"features"`
	Candidates  CandidateList    `json:"candidates"`
}

// NewCompleteObjectInfo wraps a raw image description in its initial,
// unfetched state.
func NewCompleteObjectInfo(raw RawObjectInfo) CompleteObjectInfo {
	return CompleteObjectInfo{
		Raw:         raw,
		DebugStatus: StatusUnfetched,
		Arch:        ArchUnknown,
	}
}

// SupportsAbsoluteAddresses reports whether addresses within this image can
// be expressed in the system-wide address space.
func (o *CompleteObjectInfo) SupportsAbsoluteAddresses() bool {
	return o.Raw.Type.SupportsAbsoluteAddresses()
}

// AbsToRelAddr translates an absolute address into the image's relative
// address space.
func (o *CompleteObjectInfo) AbsToRelAddr(addr uint64) (uint64, bool) {
	if addr < o.Raw.ImageAddr {
		return 0, false
	}
	return addr - o.Raw.ImageAddr, true
}

// RelToAbsAddr translates an image-relative address into the system-wide
// address space.
func (o *CompleteObjectInfo) RelToAbsAddr(addr uint64) (uint64, bool) {
	abs := o.Raw.ImageAddr + addr
	if abs < addr {
		return 0, false
	}
	return abs, true
}

// ObjectID identifies a debug artifact independently of where it is stored.
type ObjectID struct {
	CodeID    string
	CodeFile  string
	DebugID   string
	DebugFile string
	Type      ObjectType
}

// ObjectIDFromObjectInfo derives the artifact identifier for an image.
func ObjectIDFromObjectInfo(raw RawObjectInfo) ObjectID {
	return ObjectID{
		CodeID:    raw.CodeID,
		CodeFile:  raw.CodeFile,
		DebugID:   raw.DebugID,
		DebugFile: raw.DebugFile,
		Type:      raw.Type,
	}
}

func (id ObjectID) String() string {
	if id.DebugID != "" {
		return strings.ToLower(id.DebugID)
	}
	return strings.ToLower(id.CodeID)
}

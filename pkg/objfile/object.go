// Package objfile parses fetched debug artifacts. An Object is a
// structured view over the raw bytes it was parsed from; it never copies
// them. The SourceObject capsule keeps the bytes and the view together.
package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"github.com/symbolq/symbolq/pkg/model"
)

var (
	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
	zipMagic = []byte{'P', 'K', 0x03, 0x04}
)

// Object is a parsed debug artifact: either a native ELF debug object or a
// source bundle archive. The object reads lazily out of the buffer it was
// parsed from, so the buffer must stay alive and unmodified for as long as
// the Object and any session opened from it are in use.
type Object struct {
	ty   model.ObjectType
	arch model.Architecture

	elfFile *elf.File
	bundle  *zip.Reader
}

// Parse builds a structured view over the given bytes. The returned Object
// keeps reading from data; callers that cannot guarantee the buffer's
// lifetime should use NewSourceObject instead.
func Parse(data []byte) (*Object, error) {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse ELF object: %w", err)
		}
		return &Object{
			ty:      model.ObjectTypeElf,
			arch:    archFromElf(f.Machine),
			elfFile: f,
		}, nil

	case bytes.HasPrefix(data, zipMagic):
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("parse source bundle: %w", err)
		}
		return &Object{
			ty:     model.ObjectTypeSourceBundle,
			arch:   model.ArchUnknown,
			bundle: zr,
		}, nil
	}
	return nil, fmt.Errorf("unrecognized object format")
}

// Type returns the container format of the object.
func (o *Object) Type() model.ObjectType {
	return o.ty
}

// Architecture returns the CPU architecture the object was built for, or
// unknown for artifacts that carry no code.
func (o *Object) Architecture() model.Architecture {
	return o.arch
}

// Features reports what the object contributes to symbolication.
func (o *Object) Features() model.ObjectFeatures {
	var features model.ObjectFeatures
	switch o.ty {
	case model.ObjectTypeElf:
		features.HasSymbols = o.elfSection(".symtab") || o.elfSection(".dynsym")
		features.HasDebugInfo = o.elfSection(".debug_info") || o.elfSection(".zdebug_info")
		features.HasUnwindInfo = o.elfSection(".eh_frame") || o.elfSection(".debug_frame")
	case model.ObjectTypeSourceBundle:
		features.HasSources = true
	}
	return features
}

func (o *Object) elfSection(name string) bool {
	return o.elfFile.Section(name) != nil
}

// ELF returns the underlying ELF file for native objects, nil for other
// formats. The returned file reads from the object's buffer.
func (o *Object) ELF() *elf.File {
	return o.elfFile
}

// DebugSession opens a read-only session for source-level queries. Only
// source bundles can serve them; for other formats the session cannot be
// opened. The session reads from the same buffer as the Object.
func (o *Object) DebugSession() (*DebugSession, error) {
	if o.ty != model.ObjectTypeSourceBundle {
		return nil, fmt.Errorf("%s objects carry no source files", o.ty)
	}
	files := make(map[string]*zip.File, len(o.bundle.File))
	byName := make(map[string]*zip.File, len(o.bundle.File))
	for _, f := range o.bundle.File {
		byName[f.Name] = f
	}

	if mf, ok := byName[manifestName]; ok {
		manifest, err := readManifest(mf)
		if err != nil {
			return nil, err
		}
		for name, info := range manifest.Files {
			if f, ok := byName[name]; ok && info.Path != "" {
				files[info.Path] = f
			}
		}
	} else {
		// Bundles without a manifest are addressed by archive layout.
		for name, f := range byName {
			files[name] = f
		}
	}

	return &DebugSession{files: files}, nil
}

const manifestName = "manifest.json"

type manifest struct {
	Files map[string]manifestEntry `json:"files"`
}

type manifestEntry struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

func readManifest(f *zip.File) (*manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open bundle manifest: %w", err)
	}
	defer rc.Close()

	var m manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode bundle manifest: %w", err)
	}
	return &m, nil
}

// DebugSession serves source-file lookups over a parsed object. It borrows
// from the object's underlying buffer and must be dropped before the buffer
// is released.
type DebugSession struct {
	files map[string]*zip.File
}

// SourceByPath returns the text of the source file recorded under the
// given absolute path. The second return is false if the session holds no
// file for the path.
func (s *DebugSession) SourceByPath(path string) (string, bool, error) {
	f, ok := s.files[path]
	if !ok {
		return "", false, nil
	}
	rc, err := f.Open()
	if err != nil {
		return "", false, fmt.Errorf("open source %s: %w", path, err)
	}
	defer rc.Close()

	text, err := io.ReadAll(rc)
	if err != nil {
		return "", false, fmt.Errorf("read source %s: %w", path, err)
	}
	return string(text), true, nil
}

func archFromElf(machine elf.Machine) model.Architecture {
	switch machine {
	case elf.EM_X86_64:
		return "x86_64"
	case elf.EM_386:
		return "x86"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_RISCV:
		return "riscv64"
	default:
		return model.ArchUnknown
	}
}

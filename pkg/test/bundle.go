package test

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zip"
)

// BuildSourceBundle assembles a source bundle archive mapping absolute
// source paths to file contents.
func BuildSourceBundle(files map[string]string) []byte {
	type manifestEntry struct {
		Path string `json:"path"`
		Type string `json:"type,omitempty"`
	}
	manifest := struct {
		Files map[string]manifestEntry `json:"files"`
	}{Files: make(map[string]manifestEntry, len(files))}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	i := 0
	for path, content := range files {
		name := fmt.Sprintf("files/%d", i)
		i++
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			panic(err)
		}
		manifest.Files[name] = manifestEntry{Path: path, Type: "source"}
	}

	w, err := zw.Create("manifest.json")
	if err != nil {
		panic(err)
	}
	if err := json.NewEncoder(w).Encode(manifest); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

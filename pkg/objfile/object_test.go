package objfile

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/test"
)

func TestParseELF(t *testing.T) {
	data := test.BuildELF([]test.ELFSym{{Name: "main", Value: 0x100, Size: 0x50}})

	obj, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, model.ObjectTypeElf, obj.Type())
	require.Equal(t, model.Architecture("x86_64"), obj.Architecture())
	require.NotNil(t, obj.ELF())

	features := obj.Features()
	require.True(t, features.HasSymbols)
	require.False(t, features.HasSources)

	// Native objects carry no source files, so no session can be opened.
	_, err = obj.DebugSession()
	require.Error(t, err)
}

func TestParseSourceBundle(t *testing.T) {
	data := test.BuildSourceBundle(map[string]string{
		"/src/main.c": "int main() {\n\treturn 0;\n}\n",
	})

	obj, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, model.ObjectTypeSourceBundle, obj.Type())
	require.Equal(t, model.ArchUnknown, obj.Architecture())
	require.True(t, obj.Features().HasSources)
	require.Nil(t, obj.ELF())

	session, err := obj.DebugSession()
	require.NoError(t, err)

	text, ok, err := session.SourceByPath("/src/main.c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "int main() {\n\treturn 0;\n}\n", text)

	_, ok, err = session.SourceByPath("/src/other.c")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseUnrecognized(t *testing.T) {
	_, err := Parse([]byte("definitely not an object"))
	require.Error(t, err)

	_, err = Parse(nil)
	require.Error(t, err)
}

func TestSourceObject(t *testing.T) {
	data := test.BuildSourceBundle(map[string]string{"/a.c": "a\n"})

	so, err := NewSourceObject(data)
	require.NoError(t, err)
	require.NotNil(t, so.Object())
	require.Equal(t, model.ObjectTypeSourceBundle, so.Object().Type())

	_, err = NewSourceObject([]byte("garbage"))
	require.Error(t, err)
}

func TestDecompress(t *testing.T) {
	payload := test.BuildELF([]test.ELFSym{{Name: "f", Value: 0x10, Size: 0x10}})

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	out, err := Decompress(gzBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, payload, out)

	var zstdBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zstdBuf)
	require.NoError(t, err)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err = Decompress(zstdBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, payload, out)

	// Plain data passes through untouched.
	out, err = Decompress(payload)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

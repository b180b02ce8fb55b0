package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geminibridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMaterializer(maxFiles int, maxBytes int64) *Materializer {
	return NewMaterializer(Config{MaxFiles: maxFiles, MaxBytes: maxBytes, Logger: testLogger()})
}

func desc(name, mime string, data []byte) domain.AttachmentDescriptor {
	return domain.AttachmentDescriptor{
		Filename:   name,
		Mime:       mime,
		DataBase64: base64.StdEncoding.EncodeToString(data),
	}
}

func TestMaterialize_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 1024)

	files := m.Materialize(context.Background(), dir, []domain.AttachmentDescriptor{
		desc("notes.txt", "text/plain", []byte("hello")),
	})

	require.Len(t, files, 1)
	f := files[0]
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, "notes.txt", f.OriginalName)
	assert.Equal(t, int64(5), f.Size)
	assert.Equal(t, "text/plain", f.Mime)
	assert.True(t, filepath.IsAbs(f.Path))

	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMaterialize_CountCeiling(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 1024)

	var descs []domain.AttachmentDescriptor
	for i := 0; i < 10; i++ {
		descs = append(descs, desc(fmt.Sprintf("f%d.txt", i), "text/plain", []byte("x")))
	}
	files := m.Materialize(context.Background(), dir, descs)

	assert.Len(t, files, 6)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestMaterialize_SizeCeiling(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 8)

	files := m.Materialize(context.Background(), dir, []domain.AttachmentDescriptor{
		desc("big.bin", "application/octet-stream", make([]byte, 9)),
		desc("exact.bin", "application/octet-stream", make([]byte, 8)),
	})

	require.Len(t, files, 1)
	assert.Equal(t, "exact.bin", files[0].Name)
	for _, f := range files {
		assert.LessOrEqual(t, f.Size, int64(8))
	}
	assert.NoFileExists(t, filepath.Join(dir, "big.bin"))
}

func TestMaterialize_DuplicateNamesGetSuffix(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 1024)

	files := m.Materialize(context.Background(), dir, []domain.AttachmentDescriptor{
		desc("report.pdf", "application/pdf", []byte("one")),
		desc("report.pdf", "application/pdf", []byte("two")),
		desc("report.pdf", "application/pdf", []byte("three")),
	})

	require.Len(t, files, 3)
	assert.Equal(t, "report.pdf", files[0].Name)
	assert.Equal(t, "report-1.pdf", files[1].Name)
	assert.Equal(t, "report-2.pdf", files[2].Name)

	data, err := os.ReadFile(files[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestMaterialize_BadEntrySkipped(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 1024)

	files := m.Materialize(context.Background(), dir, []domain.AttachmentDescriptor{
		{Filename: "broken.txt", Mime: "text/plain", DataBase64: "!!!not base64!!!"},
		{Filename: "empty.txt", Mime: "text/plain", DataBase64: ""},
		desc("ok.txt", "text/plain", []byte("fine")),
	})

	require.Len(t, files, 1)
	assert.Equal(t, "ok.txt", files[0].Name)
}

func TestMaterialize_MissingDirSkipsAll(t *testing.T) {
	m := newTestMaterializer(6, 1024)
	files := m.Materialize(context.Background(), filepath.Join(t.TempDir(), "missing"), []domain.AttachmentDescriptor{
		desc("a.txt", "text/plain", []byte("a")),
	})
	assert.Empty(t, files)
}

func TestMaterialize_SniffsMissingMime(t *testing.T) {
	dir := t.TempDir()
	m := newTestMaterializer(6, 1024)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	files := m.Materialize(context.Background(), dir, []domain.AttachmentDescriptor{
		desc("image", "", png),
	})

	require.Len(t, files, 1)
	assert.Equal(t, "image/png", files[0].Mime)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"clip.mp3", "clip.mp3"},
		{"my file (1).txt", "myfile1.txt"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\bob\doc.pdf`, "doc.pdf"},
		{"héllo wörld.md", "hllowrld.md"},
		{"", "attachment"},
		{"???", "attachment"},
		{"..", "attachment"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilename_CapsLengthKeepingExtension(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 300) + ".wav")
	assert.Len(t, got, MaxNameLen)
	assert.True(t, strings.HasSuffix(got, ".wav"))
}

func TestDecodeBase64_Variants(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0x01, 0x02}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		got, err := DecodeBase64(enc.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}

	got, err := DecodeBase64("aGVs\nbG8=\n")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

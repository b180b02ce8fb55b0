// Package attachment decodes base64 attachment payloads from incoming
// events and writes them into a request directory.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"geminibridge/internal/domain"
)

const (
	// MaxNameLen caps sanitized file names.
	MaxNameLen = 120
	// maxSuffixAttempts bounds the numeric-suffix collision loop.
	maxSuffixAttempts = 1000
	defaultName       = "attachment"
)

// Config configures a Materializer.
type Config struct {
	MaxFiles int   // entries beyond this are dropped
	MaxBytes int64 // decoded size ceiling per file
	Logger   *slog.Logger
}

// Materializer turns attachment descriptors into files on disk.
type Materializer struct {
	maxFiles int
	maxBytes int64
	logger   *slog.Logger
}

func NewMaterializer(cfg Config) *Materializer {
	if cfg.MaxFiles < 0 {
		cfg.MaxFiles = 0
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Materializer{
		maxFiles: cfg.MaxFiles,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger.With("component", "attachment"),
	}
}

// Materialize writes up to MaxFiles descriptors into dir. Entries that fail
// to decode, exceed MaxBytes, or cannot be written are logged and skipped.
// The returned slice may be empty; Materialize never fails the request.
func (m *Materializer) Materialize(ctx context.Context, dir string, descs []domain.AttachmentDescriptor) []domain.MaterializedFile {
	if len(descs) == 0 {
		return nil
	}
	if len(descs) > m.maxFiles {
		m.logger.Warn("attachment limit reached, dropping extra entries",
			"received", len(descs),
			"limit", m.maxFiles,
		)
		descs = descs[:m.maxFiles]
	}

	files := make([]domain.MaterializedFile, 0, len(descs))
	for i, d := range descs {
		if ctx.Err() != nil {
			m.logger.Warn("materialize cancelled", "remaining", len(descs)-i)
			break
		}
		f, err := m.materializeOne(dir, d)
		if err != nil {
			m.logger.Warn("attachment skipped", "index", i, "filename", d.Filename, "err", err)
			continue
		}
		files = append(files, f)
	}
	return files
}

func (m *Materializer) materializeOne(dir string, d domain.AttachmentDescriptor) (domain.MaterializedFile, error) {
	data, err := DecodeBase64(d.DataBase64)
	if err != nil {
		return domain.MaterializedFile{}, fmt.Errorf("decode: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return domain.MaterializedFile{}, fmt.Errorf("file too large: %s (max: %s)",
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(m.maxBytes)))
	}

	path, err := writeUnique(dir, SanitizeFilename(d.Filename), data)
	if err != nil {
		return domain.MaterializedFile{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	mime := strings.TrimSpace(d.Mime)
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}

	f := domain.MaterializedFile{
		Path:         abs,
		Name:         filepath.Base(abs),
		OriginalName: d.Filename,
		Size:         int64(len(data)),
		Mime:         mime,
	}
	m.logger.Info("file stored",
		"filename", f.Name,
		"size", humanize.IBytes(uint64(f.Size)),
		"mime_type", f.Mime,
	)
	return f, nil
}

// writeUnique creates name in dir with O_EXCL, retrying with name-1.ext,
// name-2.ext and so on when the name is taken.
func writeUnique(dir, name string, data []byte) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < maxSuffixAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = stem + "-" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create file: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return "", fmt.Errorf("write file: %w", errors.Join(werr, cerr))
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", name, maxSuffixAttempts)
}

// SanitizeFilename keeps only [A-Za-z0-9._-], caps the length at
// MaxNameLen and never returns an empty or dot-only name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > MaxNameLen {
		ext := filepath.Ext(out)
		if len(ext) >= MaxNameLen {
			ext = ""
		}
		out = out[:MaxNameLen-len(ext)] + ext
	}
	if strings.Trim(out, ".") == "" {
		return defaultName
	}
	return out
}

// DecodeBase64 accepts standard, unpadded and URL-safe base64, with or
// without embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

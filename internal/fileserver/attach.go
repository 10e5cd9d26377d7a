package fileserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/devcollab/internal/model"
)

// Sink accepts a byte stream and returns a retrievable reference.
// Implementations: DiskSink (default) and CloudinarySink.
type Sink interface {
	Put(ctx context.Context, name string, body io.Reader) (ref string, err error)
}

var (
	ErrBlockedType   = errors.New("file type not allowed")
	ErrMagicMismatch = errors.New("file content does not match type")
)

// BlockedExt lists native executables; source files are allowed since code sharing is a chat feature.
var BlockedExt = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".msi": true, ".scr": true, ".dll": true,
}

// PreviewLines is how many leading lines of a code attachment become its preview.
const PreviewLines = 5

const sniffLen = 8 << 10

var codeLanguages = map[string]string{
	".go": "go", ".js": "javascript", ".jsx": "javascript", ".mjs": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".py": "python", ".rb": "ruby",
	".java": "java", ".kt": "kotlin", ".swift": "swift", ".c": "c", ".h": "c",
	".cpp": "cpp", ".cc": "cpp", ".hpp": "cpp", ".cs": "csharp", ".rs": "rust",
	".php": "php", ".sh": "bash", ".sql": "sql", ".html": "html", ".css": "css",
	".scss": "scss", ".json": "json", ".yaml": "yaml", ".yml": "yaml",
	".xml": "xml", ".md": "markdown", ".dart": "dart", ".lua": "lua",
}

// LanguageByExt returns the highlight language of a source file, "" if not code.
func LanguageByExt(filename string) string {
	return codeLanguages[strings.ToLower(filepath.Ext(filename))]
}

// Store validates one upload, writes it to sink under a generated name and
// describes it as a message attachment. Code files carry language and the
// first PreviewLines lines as preview.
func Store(ctx context.Context, sink Sink, filename string, size int64, body io.Reader) (model.Attachment, error) {
	if err := CheckName(filename); err != nil {
		return model.Attachment{}, err
	}
	// Some clients and proxies encode spaces as "+".
	rawName := strings.ReplaceAll(filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawName))

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return model.Attachment{}, err
	}
	head = head[:n]
	if !matchMagic(ext, head) {
		return model.Attachment{}, ErrMagicMismatch
	}

	storedName := uuid.New().String() + ext
	ref, err := sink.Put(ctx, storedName, io.MultiReader(bytes.NewReader(head), body))
	if err != nil {
		return model.Attachment{}, err
	}

	display := safeFilename(filepath.Base(rawName))
	if display == "" {
		display = storedName
	}
	a := model.Attachment{
		Kind:       model.AttachmentFile,
		Filename:   display,
		StorageRef: ref,
		MimeType:   contentTypeByExt(ext),
		Size:       size,
	}
	switch {
	case isImageExt(ext):
		a.Kind = model.AttachmentImage
	case LanguageByExt(ext) != "":
		a.Kind = model.AttachmentCode
		a.Language = LanguageByExt(ext)
		a.Preview = Preview(head, PreviewLines)
		if a.MimeType == "" {
			a.MimeType = "text/plain"
		}
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	return a, nil
}

// CheckName rejects a file Store would refuse by its name alone.
func CheckName(filename string) error {
	if BlockedExt[strings.ToLower(filepath.Ext(filename))] {
		return ErrBlockedType
	}
	return nil
}

// Preview returns at most lines leading lines of text, without a trailing
// partial rune.
func Preview(data []byte, lines int) string {
	end := 0
	for i := 0; i < lines && end < len(data); i++ {
		nl := bytes.IndexByte(data[end:], '\n')
		if nl < 0 {
			end = len(data)
			break
		}
		end += nl + 1
	}
	out := data[:end]
	for len(out) > 0 && !utf8.Valid(out) {
		out = out[:len(out)-1]
	}
	return strings.TrimRight(string(out), "\r\n")
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return true
	}
	return false
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".zip", ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05)
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt", ".md":
		return "text/plain"
	case ".json":
		return "application/json"
	}
	return ""
}

// safeFilename strips path separators, quotes and control characters; UTF-8 is kept.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

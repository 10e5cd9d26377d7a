package fileserver

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DiskSink stores files gzip-compressed under Dir and serves them back
// decompressed from /api/files/{name}.
type DiskSink struct {
	Dir string
}

func NewDiskSink(dir string) *DiskSink {
	return &DiskSink{Dir: dir}
}

func (s *DiskSink) Put(ctx context.Context, name string, body io.Reader) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dstPath := filepath.Join(s.Dir, filepath.Base(name)+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dstPath, err)
	}
	gz := gzip.NewWriter(dst)
	if err := copyWithContext(ctx, gz, body); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("gzip close: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("close: %w", err)
	}
	return "/api/files/" + filepath.Base(name), nil
}

// Serve writes the file. Query name= sets the download name in Content-Disposition.
func (s *DiskSink) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	f, err := os.Open(filepath.Join(s.Dir, filename+".gz"))
	if err != nil {
		http.Error(w, `{"error":"file not found"}`, http.StatusNotFound)
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		http.Error(w, `{"error":"failed to read file"}`, http.StatusInternalServerError)
		return
	}
	defer gz.Close()

	ct := contentTypeByExt(ext)
	if ct == "" && LanguageByExt(ext) != "" {
		// Source files are never rendered by the browser.
		ct = "text/plain; charset=utf-8"
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if orig := safeFilename(strings.ReplaceAll(r.URL.Query().Get("name"), "+", " ")); orig != "" {
		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(orig))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, gz)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}

// Package upload accepts raw image bodies over POST and stores them under
// the public uploads directory. The response is the public path of the
// stored file, which clients attach to messages as imgUrl.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxImageBytes caps an upload body at 10 MiB.
const MaxImageBytes = 10 << 20

// extBySubtype maps image content-type subtypes to file extensions. Unknown
// subtypes fall back to jpg.
var extBySubtype = map[string]string{
	"jpeg": "jpg",
	"jpg":  "jpg",
	"png":  "png",
	"gif":  "gif",
	"webp": "webp",
	"heic": "heic",
	"heif": "heif",
}

// Handler stores uploaded images on disk.
type Handler struct {
	dir   string
	allow func(ctx context.Context, remoteAddr string) bool
}

// NewHandler builds an upload handler writing into dir, creating it if
// absent. allow gates requests by remote address; pass nil to disable
// throttling.
func NewHandler(dir string, allow func(ctx context.Context, remoteAddr string) bool) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &Handler{dir: dir, allow: allow}, nil
}

// ServeHTTP handles POST /upload. The body is the raw image; the
// Content-Type header names its format. The response is {"url": "/uploads/..."}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if h.allow != nil && !h.allow(r.Context(), remoteHost(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many uploads")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "Image body required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Read failed")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "No image data")
		return
	}
	if len(body) > MaxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}

	filename := newFilename(contentType)
	if err := os.WriteFile(filepath.Join(h.dir, filename), body, 0o644); err != nil {
		log.Printf("upload: write %s: %v", filename, err)
		writeError(w, http.StatusInternalServerError, "Upload failed")
		return
	}

	_ = json.NewEncoder(w).Encode(struct {
		URL string `json:"url"`
	}{URL: "/uploads/" + filename})
}

// newFilename builds a timestamped random name like "1756339200000-9f2ab31c.jpg".
func newFilename(contentType string) string {
	subtype := contentType
	if i := strings.Index(subtype, "/"); i != -1 {
		subtype = subtype[i+1:]
	}
	if i := strings.Index(subtype, ";"); i != -1 {
		subtype = subtype[:i]
	}
	ext, ok := extBySubtype[strings.ToLower(strings.TrimSpace(subtype))]
	if !ok {
		ext = "jpg"
	}

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		binaryFill(b[:])
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(b[:]) + "." + ext
}

// binaryFill derives bytes from the clock when the entropy source fails.
func binaryFill(b []byte) {
	n := time.Now().UnixNano()
	for i := range b {
		b[i] = byte(n >> (8 * i))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// remoteHost strips the port from an http.Request remote address.
func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}

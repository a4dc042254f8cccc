package indexer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/anas-aljanaby/call-center-backend/internal/chunker"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// pageBreak separates pages in text extracted by pdftotext and similar tools.
const pageBreak = "\f"

var textExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// Supported reports whether path is a text file LoadFile can read.
func Supported(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

// LoadFile reads an extracted-text document from disk. The category is taken from
// the parent directory when it names one, otherwise fallback is used. A PDF next to
// the text file with the same base name is treated as the original: it supplies the
// page count, file size and type.
func LoadFile(path string, fallback types.Category) (Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	if !utf8.Valid(raw) {
		return Job{}, types.Permanent(types.StageIndexing, fmt.Errorf("%s is not valid UTF-8 text", filepath.Base(path)))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	text, pag := SplitPages(string(raw))
	doc := types.Document{
		ID:        DocumentID(abs),
		Title:     TitleFromPath(abs),
		FileType:  strings.TrimPrefix(strings.ToLower(filepath.Ext(abs)), "."),
		FileSize:  int64(len(raw)),
		SourceURL: abs,
		Category:  fallback,
	}
	if c, ok := types.ParseCategory(filepath.Base(filepath.Dir(abs))); ok {
		doc.Category = c
	}

	pdfPath := strings.TrimSuffix(abs, filepath.Ext(abs)) + ".pdf"
	if f, err := os.Open(pdfPath); err == nil {
		defer f.Close()
		n, err := PageCount(f)
		if err != nil {
			return Job{}, fmt.Errorf("%s: %w", filepath.Base(pdfPath), err)
		}
		if info, err := f.Stat(); err == nil {
			doc.FileSize = info.Size()
		}
		doc.FileType = "pdf"
		doc.SourceURL = pdfPath
		doc.TotalPages = n
		if pag.TotalPages == 0 {
			pag.TotalPages = n
		}
	}

	return Job{Document: doc, Text: text, Pagination: pag}, nil
}

// SplitPages removes form-feed page breaks from text and records where each page
// starts, in runes. Text without page breaks comes back unchanged with empty
// pagination.
func SplitPages(text string) (string, chunker.Pagination) {
	if !strings.Contains(text, pageBreak) {
		return text, chunker.Pagination{}
	}
	pages := strings.Split(text, pageBreak)
	// pdftotext ends the last page with a break too
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}

	var (
		b      strings.Builder
		starts = make([]int, 0, len(pages))
		offset int
	)
	for _, p := range pages {
		starts = append(starts, offset)
		b.WriteString(p)
		offset += utf8.RuneCountInString(p)
	}
	return b.String(), chunker.Pagination{TotalPages: len(pages), PageStarts: starts}
}

// PageCount returns the number of pages of a PDF. Content that is not a PDF, or a
// PDF that cannot be parsed, is a permanent error.
func PageCount(rs io.ReadSeeker) (int, error) {
	mt, err := mimetype.DetectReader(rs)
	if err != nil {
		return 0, fmt.Errorf("detect content type: %w", err)
	}
	if !mt.Is("application/pdf") {
		return 0, types.Permanent(types.StageIndexing, fmt.Errorf("expected a PDF, got %s", mt.String()))
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(rs, conf)
	if err != nil {
		return 0, types.Permanent(types.StageIndexing, fmt.Errorf("read pdf: %w", err))
	}
	return n, nil
}

// DocumentID derives a stable id from a file path so re-dropping a file replaces the
// earlier version instead of adding a copy.
func DocumentID(path string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path)))
}

// TitleFromPath turns "refund_policy-2024.txt" into "refund policy 2024".
func TitleFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

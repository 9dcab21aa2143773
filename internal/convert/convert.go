// Package convert turns raw document bytes into plain text for indexing
// and an HTML preview for display. Each format is served by a Handler;
// the Dispatcher picks one from the file extension.
package convert

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// Result is the output of a conversion.
type Result struct {
	Type   models.DocType
	Text   string // plain text, fed to the search index
	Render string // HTML preview
}

// Handler converts one document format.
// Implementations must be safe for concurrent use.
type Handler interface {
	// Convert transforms document bytes into text and a preview.
	Convert(ctx context.Context, data []byte) (Result, error)

	// SupportedExtensions returns the lower-case extensions handled,
	// including the leading dot.
	SupportedExtensions() []string

	// Name returns a short handler name for logs and metrics.
	Name() string
}

var extTypes = map[string]models.DocType{
	".md":       models.TypeMarkdown,
	".markdown": models.TypeMarkdown,
	".docx":     models.TypeDocx,
	".doc":      models.TypeDoc,
}

// zipMagic is the ZIP local file header that starts every DOCX file.
var zipMagic = []byte("PK\x03\x04")

// TypeForExt maps an extension (any case, with dot) to a document type.
func TypeForExt(ext string) (models.DocType, bool) {
	t, ok := extTypes[strings.ToLower(ext)]
	return t, ok
}

// ExtOf returns the lower-cased extension of a storage key.
func ExtOf(key string) string {
	return strings.ToLower(path.Ext(key))
}

// Options configures the built-in handlers.
type Options struct {
	ImagePublicBase string // root for rewritten Markdown image links
	LegacyDocTool   string // external DOC-to-text command, e.g. antiword
}

// Dispatcher routes documents to format handlers.
type Dispatcher struct {
	markdown Handler
	docx     Handler
	legacy   Handler
}

// NewDispatcher creates a Dispatcher with the built-in handlers.
func NewDispatcher(opts Options) *Dispatcher {
	return NewDispatcherWith(
		NewMarkdownHandler(opts.ImagePublicBase),
		NewDocxHandler(),
		NewLegacyHandler(opts.LegacyDocTool),
	)
}

// NewDispatcherWith creates a Dispatcher with caller-supplied handlers.
func NewDispatcherWith(markdown, docx, legacy Handler) *Dispatcher {
	return &Dispatcher{markdown: markdown, docx: docx, legacy: legacy}
}

// Convert converts data according to ext. Unknown extensions fail with
// errs.ErrUnsupportedFormat; handler failures with errs.ErrConversionFailed.
func (d *Dispatcher) Convert(ctx context.Context, ext string, data []byte) (Result, error) {
	docType, ok := TypeForExt(ext)
	if !ok {
		return Result{}, errs.UnsupportedFormat(ext)
	}

	start := time.Now()
	res, err := d.convert(ctx, docType, data)
	metrics.RecordConversion(string(docType), time.Since(start), err == nil)
	if err != nil {
		return Result{}, err
	}
	res.Type = docType
	return res, nil
}

func (d *Dispatcher) convert(ctx context.Context, docType models.DocType, data []byte) (Result, error) {
	switch docType {
	case models.TypeMarkdown:
		return run(ctx, d.markdown, docType, data)
	case models.TypeDocx:
		return run(ctx, d.docx, docType, data)
	default:
		return d.convertLegacy(ctx, data)
	}
}

// convertLegacy handles .doc files. Many are DOCX files with the wrong
// extension, so ZIP content goes to the DOCX handler first. When the
// external tool cannot process the file, readable bytes are shown as
// plain text instead of failing.
func (d *Dispatcher) convertLegacy(ctx context.Context, data []byte) (Result, error) {
	if bytes.HasPrefix(data, zipMagic) {
		res, err := d.docx.Convert(ctx, data)
		if err == nil {
			return res, nil
		}
		logging.Debug("zip-based doc is not valid docx", zap.Error(err))
	}

	res, err := d.legacy.Convert(ctx, data)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrToolFailed) {
		return Result{}, &errs.ConversionError{Type: string(models.TypeDoc), Err: err}
	}

	logging.Warn("legacy doc tool failed, decoding raw bytes", zap.Error(err))
	text, ok := DecodePossibleText(data)
	if !ok {
		text = "unable to parse as a valid Word document: " + err.Error()
	}
	return Result{Text: text, Render: PlainTextHTML(text)}, nil
}

func run(ctx context.Context, h Handler, docType models.DocType, data []byte) (Result, error) {
	res, err := h.Convert(ctx, data)
	if err != nil {
		return Result{}, &errs.ConversionError{Type: string(docType), Err: err}
	}
	return res, nil
}

package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/pkg/models"
)

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Install Guide</w:t></w:r></w:p>
    <w:p>
      <w:r><w:t xml:space="preserve">Run </w:t></w:r>
      <w:r><w:rPr><w:b/></w:rPr><w:t>setup</w:t></w:r>
      <w:r><w:rPr><w:i/></w:rPr><w:t xml:space="preserve"> &amp; wait</w:t></w:r>
    </w:p>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>key</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>value</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
  </w:body>
</w:document>`

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("[Content_Types].xml")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(`<Types/>`))
	w, err = zw.Create(docxBody)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(body))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func failingLegacy(err error) *LegacyHandler {
	return NewLegacyHandler("antiword").WithRunner(func(ctx context.Context, tool, path string) ([]byte, error) {
		return nil, err
	})
}

func newTestDispatcher(legacy Handler) *Dispatcher {
	return NewDispatcherWith(NewMarkdownHandler("http://host/pub"), NewDocxHandler(), legacy)
}

func TestTypeForExt(t *testing.T) {
	tests := []struct {
		ext  string
		want models.DocType
		ok   bool
	}{
		{".md", models.TypeMarkdown, true},
		{".MARKDOWN", models.TypeMarkdown, true},
		{".docx", models.TypeDocx, true},
		{".Doc", models.TypeDoc, true},
		{".pdf", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := TypeForExt(tt.ext)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TypeForExt(%q) = %q, %v", tt.ext, got, ok)
		}
	}
	if ExtOf("a/b/Guide.MD") != ".md" {
		t.Errorf("ExtOf: %q", ExtOf("a/b/Guide.MD"))
	}
}

func TestConvert_Unsupported(t *testing.T) {
	d := newTestDispatcher(failingLegacy(ErrToolFailed))
	_, err := d.Convert(context.Background(), ".pdf", []byte("%PDF"))
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestConvert_Markdown(t *testing.T) {
	d := newTestDispatcher(failingLegacy(ErrToolFailed))
	src := "# Hi\n\n![x](images/1.png)\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"

	res, err := d.Convert(context.Background(), ".md", []byte(src))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Type != models.TypeMarkdown {
		t.Errorf("type = %s", res.Type)
	}
	if res.Text != src {
		t.Errorf("text should be the original source, got %q", res.Text)
	}
	for _, want := range []string{
		"<div class='markdown-body'>",
		"<h1>Hi</h1>",
		`src="http://host/pub/images/1.png"`,
		"<table>",
	} {
		if !strings.Contains(res.Render, want) {
			t.Errorf("render missing %q:\n%s", want, res.Render)
		}
	}
}

func TestConvert_Docx(t *testing.T) {
	d := newTestDispatcher(failingLegacy(ErrToolFailed))

	res, err := d.Convert(context.Background(), ".docx", buildDocx(t, documentXML))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Text != "Install Guide\n\nRun setup & wait\n\nkey\n\nvalue" {
		t.Errorf("text = %q", res.Text)
	}
	for _, want := range []string{
		"<div class='docx-preview'>",
		"<h1>Install Guide</h1>",
		"<p>Run <strong>setup</strong><em> &amp; wait</em></p>",
		"<table><tr><td><p>key</p></td><td><p>value</p></td></tr></table>",
	} {
		if !strings.Contains(res.Render, want) {
			t.Errorf("render missing %q:\n%s", want, res.Render)
		}
	}
}

func TestConvert_DocxNestedTablesAndToggles(t *testing.T) {
	body := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Title"/></w:pPr><w:r><w:t>Manual</w:t></w:r></w:p>
<w:p><w:pPr><w:pStyle w:val="heading 3"/></w:pPr><w:r><w:t>Scope</w:t></w:r></w:p>
<w:p><w:r><w:rPr><w:b w:val="0"/><w:i w:val="false"/></w:rPr><w:t>plain</w:t></w:r></w:p>
<w:tbl><w:tr>
  <w:tc><w:tbl><w:tr><w:tc><w:p><w:r><w:t>inner</w:t></w:r></w:p></w:tc></w:tr></w:tbl></w:tc>
  <w:tc><w:p><w:r><w:t>outer</w:t></w:r></w:p></w:tc>
</w:tr></w:tbl>
</w:body></w:document>`

	res, err := NewDocxHandler().Convert(context.Background(), buildDocx(t, body))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Text != "Manual\n\nScope\n\nplain\n\ninner\n\nouter" {
		t.Errorf("text = %q", res.Text)
	}
	for _, want := range []string{
		"<h1>Manual</h1>",
		"<h3>Scope</h3>",
		"<p>plain</p>",
		"<table><tr><td><table><tr><td><p>inner</p></td></tr></table></td><td><p>outer</p></td></tr></table>",
	} {
		if !strings.Contains(res.Render, want) {
			t.Errorf("render missing %q:\n%s", want, res.Render)
		}
	}
}

func TestConvert_DocxStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDocxHandler().Convert(ctx, buildDocx(t, documentXML))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConvert_DocxMalformed(t *testing.T) {
	d := newTestDispatcher(failingLegacy(ErrToolFailed))

	_, err := d.Convert(context.Background(), ".docx", []byte("not a zip"))
	if !errors.Is(err, errs.ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	var ce *errs.ConversionError
	if !errors.As(err, &ce) || ce.Type != "docx" {
		t.Errorf("expected docx ConversionError, got %v", err)
	}
}

func TestConvert_DocThatIsDocx(t *testing.T) {
	called := false
	legacy := NewLegacyHandler("antiword").WithRunner(func(ctx context.Context, tool, path string) ([]byte, error) {
		called = true
		return nil, ErrToolFailed
	})
	d := newTestDispatcher(legacy)

	res, err := d.Convert(context.Background(), ".doc", buildDocx(t, documentXML))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if called {
		t.Error("legacy tool should not run for valid docx content")
	}
	if res.Type != models.TypeDoc || !strings.Contains(res.Render, "docx-preview") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestConvert_DocLegacyTool(t *testing.T) {
	legacy := NewLegacyHandler("antiword").WithRunner(func(ctx context.Context, tool, path string) ([]byte, error) {
		if tool != "antiword" || !strings.HasSuffix(path, ".doc") {
			return nil, fmt.Errorf("unexpected invocation %s %s", tool, path)
		}
		return []byte("Line one\nLine <two>"), nil
	})
	d := newTestDispatcher(legacy)

	res, err := d.Convert(context.Background(), ".doc", []byte{0xD0, 0xCF, 0x11, 0xE0})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Text != "Line one\nLine <two>" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Render != "<div class='doc-preview'>Line one<br>Line &lt;two&gt;</div>" {
		t.Errorf("render = %q", res.Render)
	}
}

func TestConvert_DocDegradesToText(t *testing.T) {
	logging.InitNop()
	d := newTestDispatcher(failingLegacy(fmt.Errorf("%w: antiword: exit status 1", ErrToolFailed)))

	// Looks like a zip but is not a valid docx, and the tool fails.
	data := append([]byte("PK\x03\x04"), []byte("\x00\x00plain words survive here\r\nsecond line\x00")...)
	res, err := d.Convert(context.Background(), ".doc", data)
	if err != nil {
		t.Fatalf("degradation path should not fail: %v", err)
	}
	if !strings.Contains(res.Text, "plain words survive here\nsecond line") {
		t.Errorf("text = %q", res.Text)
	}
	if !strings.HasPrefix(res.Render, "<div class='doc-preview'>") {
		t.Errorf("render = %q", res.Render)
	}
}

func TestConvert_DocUnreadable(t *testing.T) {
	logging.InitNop()
	d := newTestDispatcher(failingLegacy(fmt.Errorf("%w: antiword: exit status 1", ErrToolFailed)))

	data := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, 100)
	res, err := d.Convert(context.Background(), ".doc", data)
	if err != nil {
		t.Fatalf("degradation path should not fail: %v", err)
	}
	if !strings.HasPrefix(res.Text, "unable to parse as a valid Word document: ") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestConvert_DocOtherFailure(t *testing.T) {
	d := newTestDispatcher(failingLegacy(errors.New("disk full")))

	_, err := d.Convert(context.Background(), ".doc", []byte("whatever text"))
	if !errors.Is(err, errs.ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
}

func TestDecodePossibleText(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("中文文档内容\r\n第二行")
	if err != nil {
		t.Fatal(err)
	}
	text, ok := DecodePossibleText([]byte(gbk))
	if !ok || text != "中文文档内容\n第二行" {
		t.Errorf("gbk: %q %v", text, ok)
	}

	text, ok = DecodePossibleText([]byte("\x00\x00  hello\rworld  \x00"))
	if !ok || text != "hello\nworld" {
		t.Errorf("utf8: %q %v", text, ok)
	}

	if _, ok := DecodePossibleText([]byte{0, 0, 0}); ok {
		t.Error("all-NUL input should fail")
	}
	if _, ok := DecodePossibleText(bytes.Repeat([]byte{0x01, 0x02, 0x7f}, 50)); ok {
		t.Error("control bytes should fail the printable check")
	}
}

func TestPlainTextHTML(t *testing.T) {
	if got := PlainTextHTML("  \n "); got != "<div class='doc-preview'><em>empty document</em></div>" {
		t.Errorf("empty: %q", got)
	}
	if got := PlainTextHTML("a & b\nc"); got != "<div class='doc-preview'>a &amp; b<br>c</div>" {
		t.Errorf("text: %q", got)
	}
}

package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

const docxBody = "word/document.xml"

// Hard cap on the decompressed document part.
const maxDocxPartSize = 64 << 20

var headingStyleRe = regexp.MustCompile(`(?i)^heading\s*([1-6])$`)

// DocxHandler extracts paragraphs, headings, emphasis and tables from
// the main document part of a DOCX file.
type DocxHandler struct{}

// NewDocxHandler creates a DOCX handler.
func NewDocxHandler() *DocxHandler { return &DocxHandler{} }

func (h *DocxHandler) SupportedExtensions() []string { return []string{".docx"} }

func (h *DocxHandler) Name() string { return "docx" }

// Convert parses data as a DOCX package.
func (h *DocxHandler) Convert(ctx context.Context, data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx: %w", err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			part = f
			break
		}
	}
	if part == nil {
		return Result{}, fmt.Errorf("open docx: missing %s", docxBody)
	}

	rc, err := part.Open()
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()

	text, body, err := parseDocumentXML(ctx, io.LimitReader(rc, maxDocxPartSize))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:   text,
		Render: "<div class='docx-preview'>" + body + "</div>",
	}, nil
}

type docxRun struct {
	text         strings.Builder
	bold, italic bool
}

type docxParagraph struct {
	style string
	runs  []*docxRun
}

func (p *docxParagraph) plain() string {
	var b strings.Builder
	for _, r := range p.runs {
		b.WriteString(r.text.String())
	}
	return b.String()
}

func (p *docxParagraph) html() string {
	var inner strings.Builder
	for _, r := range p.runs {
		t := r.text.String()
		if t == "" {
			continue
		}
		t = strings.ReplaceAll(html.EscapeString(t), "\n", "<br>")
		if r.italic {
			t = "<em>" + t + "</em>"
		}
		if r.bold {
			t = "<strong>" + t + "</strong>"
		}
		inner.WriteString(t)
	}
	if inner.Len() == 0 {
		return ""
	}
	tag := "p"
	if m := headingStyleRe.FindStringSubmatch(p.style); m != nil {
		tag = "h" + m[1]
	} else if strings.EqualFold(p.style, "Title") {
		tag = "h1"
	}
	return "<" + tag + ">" + inner.String() + "</" + tag + ">"
}

// docxTable collects rendered cell markup; nested tables render into the
// enclosing cell.
type docxTable struct {
	rows [][]*strings.Builder
}

func (t *docxTable) cell() *strings.Builder {
	if len(t.rows) == 0 {
		t.rows = append(t.rows, nil)
	}
	row := &t.rows[len(t.rows)-1]
	if len(*row) == 0 {
		*row = append(*row, &strings.Builder{})
	}
	return (*row)[len(*row)-1]
}

func (t *docxTable) html() string {
	var b strings.Builder
	b.WriteString("<table>")
	for _, row := range t.rows {
		b.WriteString("<tr>")
		for _, c := range row {
			b.WriteString("<td>")
			b.WriteString(c.String())
			b.WriteString("</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

// parseDocumentXML walks word/document.xml. Text holds one entry per
// paragraph separated by blank lines.
func parseDocumentXML(ctx context.Context, r io.Reader) (string, string, error) {
	dec := xml.NewDecoder(r)

	var (
		text   strings.Builder
		body   strings.Builder
		tables []*docxTable
		para   *docxParagraph
		run    *docxRun
		inRPr  bool
		inText bool
	)

	out := func() *strings.Builder {
		if len(tables) > 0 {
			return tables[len(tables)-1].cell()
		}
		return &body
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("parse %s: %w", docxBody, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "tbl":
				tables = append(tables, &docxTable{})
			case "tr":
				if len(tables) > 0 {
					t := tables[len(tables)-1]
					t.rows = append(t.rows, nil)
				}
			case "tc":
				if len(tables) > 0 {
					t := tables[len(tables)-1]
					if len(t.rows) == 0 {
						t.rows = append(t.rows, nil)
					}
					last := len(t.rows) - 1
					t.rows[last] = append(t.rows[last], &strings.Builder{})
				}
			case "p":
				para = &docxParagraph{}
			case "pStyle":
				if para != nil {
					para.style = attr(el, "val")
				}
			case "r":
				if para != nil {
					run = &docxRun{}
					para.runs = append(para.runs, run)
				}
			case "rPr":
				inRPr = true
			case "b":
				if run != nil && inRPr {
					run.bold = toggleOn(el)
				}
			case "i":
				if run != nil && inRPr {
					run.italic = toggleOn(el)
				}
			case "t":
				inText = true
			case "tab":
				if run != nil && !inRPr {
					run.text.WriteByte('\t')
				}
			case "br", "cr":
				if run != nil {
					run.text.WriteByte('\n')
				}
			}

		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "rPr":
				inRPr = false
			case "r":
				run = nil
			case "p":
				if para != nil {
					text.WriteString(para.plain())
					text.WriteString("\n\n")
					out().WriteString(para.html())
					para = nil
				}
			case "tbl":
				if len(tables) > 0 {
					t := tables[len(tables)-1]
					tables = tables[:len(tables)-1]
					out().WriteString(t.html())
				}
			}

		case xml.CharData:
			if inText && run != nil {
				run.text.Write(el)
			}
		}
	}

	return strings.TrimRight(text.String(), "\n"), body.String(), nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// toggleOn reads an OOXML on/off property such as <w:b/> or <w:b w:val="0"/>.
func toggleOn(el xml.StartElement) bool {
	switch strings.ToLower(attr(el, "val")) {
	case "0", "false", "off", "none":
		return false
	}
	return true
}

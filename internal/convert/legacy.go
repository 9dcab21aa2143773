package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrToolFailed reports that the external DOC converter could not be run
// or exited unsuccessfully. The dispatcher degrades to raw decoding on it.
var ErrToolFailed = errors.New("legacy doc tool failed")

// CommandRunner runs the converter on a file and returns its stdout.
type CommandRunner func(ctx context.Context, tool, path string) ([]byte, error)

// LegacyHandler converts binary Word 97-2003 files through an external
// command such as antiword.
type LegacyHandler struct {
	tool string
	run  CommandRunner
}

// NewLegacyHandler creates a handler that shells out to tool.
func NewLegacyHandler(tool string) *LegacyHandler {
	if tool == "" {
		tool = "antiword"
	}
	return &LegacyHandler{tool: tool, run: execRunner}
}

// WithRunner replaces how the external command is executed.
func (h *LegacyHandler) WithRunner(run CommandRunner) *LegacyHandler {
	h.run = run
	return h
}

func (h *LegacyHandler) SupportedExtensions() []string { return []string{".doc"} }

func (h *LegacyHandler) Name() string { return "legacy-doc" }

// Convert writes data to a temp file and runs the tool on it.
func (h *LegacyHandler) Convert(ctx context.Context, data []byte) (Result, error) {
	tmp, err := os.CreateTemp("", "mkviewer-*.doc")
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp file: %w", err)
	}

	out, err := h.run(ctx, h.tool, tmpName)
	if err != nil {
		return Result{}, err
	}

	text := strings.ToValidUTF8(string(out), "")
	return Result{Text: text, Render: PlainTextHTML(text)}, nil
}

func execRunner(ctx context.Context, tool, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.Bytes(), nil
	case errors.Is(err, exec.ErrNotFound), errors.As(err, &exitErr):
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolFailed, tool, err)
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrToolFailed, tool, err, msg)
	default:
		return nil, fmt.Errorf("run %s: %w", tool, err)
	}
}

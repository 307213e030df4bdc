// Package file implements the filesystem tools: directory listing, file
// reading and file writing.
//
// Every path is relative to the working root and goes through
// workspace.Root.Resolve before any I/O. Text is decoded as UTF-8 through
// golang.org/x/text so that invalid input surfaces as a distinct error.
package file

import (
	"errors"
	"io"
	"os"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// Config configures the file tools.
type Config struct {
	ScriptExtension string // listing previews files with this suffix; default ".py"
	PreviewLines    int    // lines previewed per script; default 10
	MaxFileChars    int    // read-file truncation point; default 10000
	MaxFileBytes    int64  // read-file refuses larger files; default 10 MB
}

const (
	defaultScriptExtension = ".py"
	defaultPreviewLines    = 10
	defaultMaxFileChars    = 10000
	defaultMaxFileBytes    = 10 << 20
)

func (c Config) withDefaults() Config {
	if c.ScriptExtension == "" {
		c.ScriptExtension = defaultScriptExtension
	}
	if c.PreviewLines <= 0 {
		c.PreviewLines = defaultPreviewLines
	}
	if c.MaxFileChars <= 0 {
		c.MaxFileChars = defaultMaxFileChars
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	return c
}

// utf8Reader validates r as UTF-8 while it is read.
func utf8Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, encoding.UTF8Validator)
}

func isEncodingError(err error) bool {
	return errors.Is(err, encoding.ErrInvalidUTF8)
}

func isOutside(err error) bool {
	return errors.Is(err, workspace.ErrOutsideRoot)
}

// resolveFailure renders a Resolve error. Containment failures use the
// tool-specific message; anything else is reported as is.
func resolveFailure(err error, outsideMsg string) tools.Result {
	if isOutside(err) {
		return tools.Errorf("%s", outsideMsg)
	}
	return tools.Errorf("%v", err)
}

func statRegular(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return info, true
}

// Package prompts loads the assistant system prompts offered in settings.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bt-bridge/voice-session/shared"
	"go.uber.org/zap"
)

const (
	DefaultID       = "default"
	DefaultFilename = "default.md"
	DefaultTitle    = "Default Assistant"
	DefaultContent  = "You are a helpful voice assistant. Respond concisely and naturally."
)

var titlePattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)

type Prompt struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type Loader interface {
	Load(ctx context.Context) ([]Prompt, error)
}

// Default is the prompt used when no library is available.
func Default() Prompt {
	return Prompt{
		ID:       DefaultID,
		Title:    DefaultTitle,
		Filename: DefaultFilename,
		Content:  DefaultContent,
	}
}

// Parse builds a prompt from a markdown file. The title is the first level
// one heading, or the file name without extension.
func Parse(filename, content string) Prompt {
	id := strings.TrimSuffix(filename, ".md")
	title := id
	if m := titlePattern.FindStringSubmatch(content); m != nil {
		title = strings.TrimSpace(m[1])
	}
	return Prompt{ID: id, Title: title, Filename: filename, Content: content}
}

func Find(prompts []Prompt, id string) (Prompt, bool) {
	for _, p := range prompts {
		if p.ID == id {
			return p, true
		}
	}
	return Prompt{}, false
}

// DirLoader reads every *.md file of a directory, sorted by file name.
type DirLoader struct {
	logger shared.LoggerAdapter
	dir    string
}

var _ Loader = (*DirLoader)(nil)

func NewDirLoader(logger shared.LoggerAdapter, dir string) (*DirLoader, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &DirLoader{
		logger: logger.With(zap.String("component", "prompts")),
		dir:    dir,
	}, nil
}

// Load never returns an empty list. Without a readable library it falls
// back to default.md and then to Default.
func (l *DirLoader) Load(ctx context.Context) ([]Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading prompts: %w", err)
	}
	var out []Prompt
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading prompt %s: %w", e.Name(), err)
		}
		out = append(out, Parse(e.Name(), string(content)))
	}
	if len(out) > 0 {
		l.logger.Debug("prompts loaded", zap.String("dir", l.dir), zap.Int("count", len(out)))
		return out, nil
	}
	return []Prompt{l.fallback()}, nil
}

func (l *DirLoader) fallback() Prompt {
	content, err := os.ReadFile(filepath.Join(l.dir, DefaultFilename))
	if err != nil {
		l.logger.Debug("using built-in prompt", zap.String("dir", l.dir))
		return Default()
	}
	p := Parse(DefaultFilename, string(content))
	if p.Title == DefaultID {
		p.Title = DefaultTitle
	}
	return p
}

// Package chunker splits document text into chunks sized for embedding.
package chunker

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

type Format int

const (
	Plain Format = iota
	Markdown
)

func (f Format) String() string {
	switch f {
	case Markdown:
		return "markdown"
	default:
		return "plain"
	}
}

// Config sizes chunks in characters. Zero values fall back to the
// splitter defaults.
type Config struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type Chunker struct {
	plain    textsplitter.TextSplitter
	markdown textsplitter.TextSplitter
}

func New(cfg Config) (*Chunker, error) {
	defaults := textsplitter.DefaultOptions()

	if cfg.Size == 0 {
		cfg.Size = defaults.ChunkSize
	}

	if cfg.Overlap == 0 {
		cfg.Overlap = defaults.ChunkOverlap
	}

	if cfg.Size < 0 || cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("invalid chunking config: size %d, overlap %d", cfg.Size, cfg.Overlap)
	}

	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(cfg.Size),
		textsplitter.WithChunkOverlap(cfg.Overlap),
	}

	return &Chunker{
		plain:    textsplitter.NewRecursiveCharacter(opts...),
		markdown: textsplitter.NewMarkdownTextSplitter(opts...),
	}, nil
}

// Split returns the non-blank chunks of text in document order.
func (c *Chunker) Split(text string, format Format) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}

	splitter := c.plain
	if format == Markdown {
		splitter = c.markdown
	}

	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting %s text: %w", format, err)
	}

	chunks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		chunks = append(chunks, p)
	}

	return chunks, nil
}

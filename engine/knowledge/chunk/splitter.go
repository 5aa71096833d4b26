package chunk

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	defaultSplitSize    = 1000
	defaultSplitOverlap = 100
	minSplitSize        = 64
	maxSplitSize        = 8192
)

// Splitter runs a langchaingo text splitter and titles each segment.
type Splitter struct {
	impl  textsplitter.TextSplitter
	title func(segment string, position int) string
}

func recursiveBuilder() Builder {
	return Builder{
		DefaultConfig: splitterDefaults,
		New: func(cfg Config) (Chunker, error) {
			size, overlap, err := splitterSettings(cfg)
			if err != nil {
				return nil, err
			}
			return &Splitter{
				impl: textsplitter.NewRecursiveCharacter(
					textsplitter.WithChunkSize(size),
					textsplitter.WithChunkOverlap(overlap),
				),
				title: func(_ string, position int) string {
					return fmt.Sprintf("Segment %d", position)
				},
			}, nil
		},
	}
}

func markdownBuilder() Builder {
	return Builder{
		DefaultConfig: splitterDefaults,
		New: func(cfg Config) (Chunker, error) {
			size, overlap, err := splitterSettings(cfg)
			if err != nil {
				return nil, err
			}
			return &Splitter{
				impl: textsplitter.NewMarkdownTextSplitter(
					textsplitter.WithChunkSize(size),
					textsplitter.WithChunkOverlap(overlap),
				),
				title: headingTitle,
			}, nil
		},
	}
}

func splitterDefaults() Config {
	return Config{"size": defaultSplitSize, "overlap": defaultSplitOverlap}
}

func (s *Splitter) Chunk(markdown string) ([]Draft, error) {
	text := strings.TrimSpace(markdown)
	if text == "" {
		return nil, nil
	}
	segments, err := s.impl.SplitText(text)
	if err != nil {
		return nil, err
	}
	drafts := make([]Draft, 0, len(segments))
	for _, segment := range segments {
		content := strings.TrimSpace(segment)
		if content == "" {
			continue
		}
		drafts = append(drafts, Draft{Title: s.title(content, len(drafts)+1), Content: content})
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	return drafts, nil
}

func headingTitle(segment string, position int) string {
	for line := range strings.SplitSeq(segment, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if title != "" {
			return title
		}
	}
	return fmt.Sprintf("Section %d", position)
}

func splitterSettings(cfg Config) (int, int, error) {
	size, err := cfg.Int("size", defaultSplitSize)
	if err != nil {
		return 0, 0, err
	}
	overlap, err := cfg.Int("overlap", defaultSplitOverlap)
	if err != nil {
		return 0, 0, err
	}
	if size < minSplitSize || size > maxSplitSize {
		return 0, 0, fmt.Errorf("size must be between %d and %d, got %d", minSplitSize, maxSplitSize, size)
	}
	if overlap < 0 {
		return 0, 0, fmt.Errorf("overlap cannot be negative")
	}
	if overlap >= size {
		return 0, 0, fmt.Errorf("overlap %d must be smaller than size %d", overlap, size)
	}
	return size, overlap, nil
}

package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

var blankLinePattern = regexp.MustCompile(`\n[ \t]*\n`)

// Paragraph emits one draft per blank-line-delimited block, titled by its
// 1-based position among non-empty blocks.
type Paragraph struct{}

func paragraphBuilder() Builder {
	return Builder{
		DefaultConfig: func() Config { return Config{} },
		New: func(Config) (Chunker, error) {
			return Paragraph{}, nil
		},
	}
}

func (Paragraph) Chunk(markdown string) ([]Draft, error) {
	blocks := blankLinePattern.Split(markdown, -1)
	drafts := make([]Draft, 0, len(blocks))
	for _, block := range blocks {
		text := strings.TrimSpace(block)
		if text == "" {
			continue
		}
		drafts = append(drafts, Draft{
			Title:   fmt.Sprintf("Paragraph %d", len(drafts)+1),
			Content: text,
		})
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	return drafts, nil
}

package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	introductionTitle = "Introduction"
	untitledTitle     = "Untitled"
)

var (
	newlinePattern = regexp.MustCompile(`\r\n|\r`)
	// A single '#' followed by whitespace or end of line; "##" does not match.
	h1Pattern      = regexp.MustCompile(`^#(?:[ \t]+(.*?))?[ \t]*$`)
	closingPattern = regexp.MustCompile(`[ \t]+#+$`)
	fencePattern   = regexp.MustCompile("^\\s*(```|~~~)")
)

func normalizeNewlines(text string) string {
	return newlinePattern.ReplaceAllString(text, "\n")
}

// H1 splits on top-level headings. Text before the first heading becomes an
// "Introduction" draft when it is not blank. Headings inside fenced code
// blocks are ignored.
type H1 struct {
	fallback Chunker
}

func h1Builder() Builder {
	return Builder{
		DefaultConfig: func() Config { return Config{"fallback": ""} },
		New: func(cfg Config) (Chunker, error) {
			switch fb := cfg.String("fallback", ""); fb {
			case "", "none":
				return &H1{}, nil
			case StrategyParagraph:
				return &H1{fallback: Paragraph{}}, nil
			default:
				return nil, fmt.Errorf("h1: unsupported fallback %q", fb)
			}
		},
	}
}

func (h *H1) Chunk(markdown string) ([]Draft, error) {
	lines := strings.Split(markdown, "\n")
	var (
		drafts  []Draft
		lead    []string
		current *Draft
		body    []string
		inFence bool
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimRight(strings.Join(body, "\n"), " \t\n")
		drafts = append(drafts, *current)
		current = nil
		body = nil
	}
	for _, line := range lines {
		if fencePattern.MatchString(line) {
			inFence = !inFence
		}
		if !inFence {
			if m := h1Pattern.FindStringSubmatch(line); m != nil {
				flush()
				title := strings.TrimSpace(closingPattern.ReplaceAllString(" "+m[1], ""))
				if title == "" {
					title = untitledTitle
				}
				current = &Draft{Title: title}
				body = []string{strings.TrimRight(line, " \t")}
				continue
			}
		}
		if current == nil {
			lead = append(lead, line)
			continue
		}
		body = append(body, line)
	}
	flush()
	if len(drafts) == 0 {
		if h.fallback != nil {
			return h.fallback.Chunk(markdown)
		}
		return nil, nil
	}
	if intro := strings.TrimSpace(strings.Join(lead, "\n")); intro != "" {
		drafts = append([]Draft{{Title: introductionTitle, Content: intro}}, drafts...)
	}
	return drafts, nil
}

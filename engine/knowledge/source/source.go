// Package source stores the markdown body of each parent document.
package source

import (
	"context"
	"strings"

	"github.com/aikb/aikb/engine/knowledge"
)

// MarkdownSource is the parent-document collaborator. GetMarkdown reports
// absence with found == false and a nil error.
type MarkdownSource interface {
	GetMarkdown(ctx context.Context, parentID string) (markdown string, found bool, err error)
	SaveMarkdown(ctx context.Context, parentID string, markdown string) error
	// ListParentIDs returns every known parent in ascending order.
	ListParentIDs(ctx context.Context) ([]string, error)
}

// validateParentID rejects ids that cannot be used as keys or file names.
func validateParentID(op, parentID string) error {
	if strings.TrimSpace(parentID) == "" {
		return knowledge.NewValidationError(op, "", "parent id is required")
	}
	if strings.ContainsAny(parentID, `/\`) || parentID == "." || parentID == ".." {
		return knowledge.NewValidationError(op, parentID, "parent id must not contain path separators")
	}
	return nil
}

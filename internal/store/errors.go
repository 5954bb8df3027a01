package store

import (
	"errors"
	"fmt"
)

var (
	// ErrTableNotFound is returned when a knowledge base has no chunk table yet.
	ErrTableNotFound = errors.New("chunk table not found")

	// ErrDocumentNotFound is returned for unknown document ids.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrKnowledgeBaseNotFound is returned for unknown knowledge bases.
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")
)

// IndexError reports a failed index build or table migration. Callers log it
// and carry on without the index.
type IndexError struct {
	Table string
	Kind  IndexKind
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("building %s index on %s: %v", e.Kind, e.Table, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

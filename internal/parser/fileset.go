package parser

import "github.com/sevir/fetch/pkg/models"

// FileSet accumulates file operations in first-seen order without duplicates.
// A path first seen as created stays created when later modified.
type FileSet struct {
	seen    map[string]FileOp
	changes models.FileChanges
}

// NewFileSet returns an empty set.
func NewFileSet() *FileSet {
	return &FileSet{seen: make(map[string]FileOp)}
}

// Add records op for path.
func (s *FileSet) Add(op FileOp, path string) {
	if path == "" {
		return
	}
	prev, ok := s.seen[path]
	switch {
	case !ok:
	case prev == op:
		return
	case prev == FileOpCreated && op == FileOpModified:
		return
	}
	s.seen[path] = op
	switch op {
	case FileOpCreated:
		s.changes.Created = append(s.changes.Created, path)
	case FileOpModified:
		s.changes.Modified = append(s.changes.Modified, path)
	case FileOpDeleted:
		s.changes.Deleted = append(s.changes.Deleted, path)
	}
}

// Merge adds every operation in c, created first.
func (s *FileSet) Merge(c models.FileChanges) {
	for _, p := range c.Created {
		s.Add(FileOpCreated, p)
	}
	for _, p := range c.Modified {
		s.Add(FileOpModified, p)
	}
	for _, p := range c.Deleted {
		s.Add(FileOpDeleted, p)
	}
}

// Changes returns a copy of the accumulated operations.
func (s *FileSet) Changes() models.FileChanges {
	return models.FileChanges{
		Created:  append([]string(nil), s.changes.Created...),
		Modified: append([]string(nil), s.changes.Modified...),
		Deleted:  append([]string(nil), s.changes.Deleted...),
	}
}

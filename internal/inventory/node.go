package inventory

import (
	"github.com/loomworks/loom/internal/types"
)

// DirectoryNode is one directory in the inventory tree. Children are kept in
// insertion order, and names are unique within a node. The parent pointer is
// a non-owning back-reference used only for upward lookup.
type DirectoryNode struct {
	// Path is the absolute path of the directory.
	Path string

	parent *DirectoryNode
	names  []string
	dirs   map[string]*DirectoryNode
	files  map[string]*FileNode
}

func newDirectoryNode(path string, parent *DirectoryNode) *DirectoryNode {
	return &DirectoryNode{
		Path:   path,
		parent: parent,
		dirs:   make(map[string]*DirectoryNode),
		files:  make(map[string]*FileNode),
	}
}

// Parent returns the parent directory, or nil for the root.
func (d *DirectoryNode) Parent() *DirectoryNode {
	return d.parent
}

// Names returns the child names in insertion order.
func (d *DirectoryNode) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Dir returns the named child directory, if present.
func (d *DirectoryNode) Dir(name string) (*DirectoryNode, bool) {
	child, ok := d.dirs[name]
	return child, ok
}

// File returns the named child file, if present.
func (d *DirectoryNode) File(name string) (*FileNode, bool) {
	child, ok := d.files[name]
	return child, ok
}

// has reports whether any child, directory or file, uses name.
func (d *DirectoryNode) has(name string) bool {
	if _, ok := d.dirs[name]; ok {
		return true
	}
	_, ok := d.files[name]
	return ok
}

func (d *DirectoryNode) addDir(name string, child *DirectoryNode) {
	d.dirs[name] = child
	d.names = append(d.names, name)
}

func (d *DirectoryNode) addFile(name string, child *FileNode) {
	d.files[name] = child
	d.names = append(d.names, name)
}

func (d *DirectoryNode) removeChild(name string) {
	delete(d.dirs, name)
	delete(d.files, name)
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
}

// FileNode is one classified content file. Path and Kind are fixed at
// creation; the associated Data (front matter, source buffer, build
// products) is mutated by transform stages under the single-writer
// discipline of the surrounding orchestration.
type FileNode struct {
	// Path is the absolute path of the file.
	Path string
	// Kind is the immutable classification derived from the path.
	Kind types.Kind
	// Data carries arbitrary associated values keyed by stage name.
	Data map[string]interface{}

	parent *DirectoryNode
}

// Parent returns the directory containing this file.
func (f *FileNode) Parent() *DirectoryNode {
	return f.parent
}

// Keywords returns the keyword strings attached to the file's data, if any.
func (f *FileNode) Keywords() []string {
	if f.Data == nil {
		return nil
	}
	switch v := f.Data["keywords"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

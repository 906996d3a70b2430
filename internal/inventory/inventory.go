// Package inventory maintains the hierarchical file inventory populated by
// the walker and consumed by the build pipeline.
//
// The inventory owns one directory tree plus secondary indexes: a kind index
// in insertion order, a keyword-slug index, and an original-path to
// versioned-path map. Mutation follows a single-writer discipline (the
// initial walk or one serialized rebuild pass); a mutex guards the indexes
// because Go handlers may touch them from scheduler goroutines.
package inventory

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/loomworks/loom/internal/types"
)

// KeywordEntry aggregates every file tagged with one keyword slug, along
// with each distinct original casing encountered.
type KeywordEntry struct {
	Slug  string
	Forms []string
	Files []*FileNode
}

// Inventory is the path-indexed file inventory.
type Inventory struct {
	mu          sync.RWMutex
	root        *DirectoryNode
	byKind      map[types.Kind][]*FileNode
	keywords    map[string]*KeywordEntry
	versions    map[string]string
	count       int
	isAssetPath func(string) bool
}

// New creates an inventory rooted at the absolute path rootPath. The
// isAssetPath predicate is forwarded to classification; it may be nil.
func New(rootPath string, isAssetPath func(string) bool) (*Inventory, error) {
	if !filepath.IsAbs(rootPath) {
		return nil, fmt.Errorf("inventory root must be absolute, got %q", rootPath)
	}
	return &Inventory{
		root:        newDirectoryNode(filepath.Clean(rootPath), nil),
		byKind:      make(map[types.Kind][]*FileNode),
		keywords:    make(map[string]*KeywordEntry),
		versions:    make(map[string]string),
		isAssetPath: isAssetPath,
	}, nil
}

// Root returns the root directory node.
func (inv *Inventory) Root() *DirectoryNode {
	return inv.root
}

// Count returns the number of files in the inventory.
func (inv *Inventory) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.count
}

// Add inserts a file at the absolute path, creating intermediate
// directories as needed. It fails when an entry with the final name already
// exists at that location.
func (inv *Inventory) Add(path string, data map[string]interface{}) (*FileNode, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("inventory paths must be absolute, got %q", path)
	}

	segments, err := inv.segmentsUnderRoot(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("cannot add the inventory root %q as a file", path)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	dir := inv.root
	for _, segment := range segments[:len(segments)-1] {
		next, ok := dir.Dir(segment)
		if !ok {
			if dir.has(segment) {
				return nil, fmt.Errorf("%s: %q is a file, not a directory", path, segment)
			}
			next = newDirectoryNode(filepath.Join(dir.Path, segment), dir)
			dir.addDir(segment, next)
		}
		dir = next
	}

	name := segments[len(segments)-1]
	if dir.has(name) {
		return nil, fmt.Errorf("%s: entry %q already exists", path, name)
	}

	file := &FileNode{
		Path:   filepath.Clean(path),
		Kind:   types.Classify(path, inv.isAssetPath),
		Data:   data,
		parent: dir,
	}
	if file.Data == nil {
		file.Data = make(map[string]interface{})
	}

	dir.addFile(name, file)
	inv.byKind[file.Kind] = append(inv.byKind[file.Kind], file)
	inv.count++
	return file, nil
}

// Remove detaches the file or directory subtree at path and repairs the
// kind, keyword and version indexes. Removing an unknown path fails.
func (inv *Inventory) Remove(path string) error {
	segments, err := inv.segmentsUnderRoot(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("cannot remove the inventory root")
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	dir := inv.root
	for _, segment := range segments[:len(segments)-1] {
		next, ok := dir.Dir(segment)
		if !ok {
			return fmt.Errorf("%s: no such entry %q", path, segment)
		}
		dir = next
	}

	name := segments[len(segments)-1]
	if file, ok := dir.File(name); ok {
		inv.unindexFile(file)
		dir.removeChild(name)
		return nil
	}
	if sub, ok := dir.Dir(name); ok {
		inv.unindexTree(sub)
		dir.removeChild(name)
		return nil
	}
	return fmt.Errorf("%s: no such entry %q", path, name)
}

func (inv *Inventory) unindexTree(dir *DirectoryNode) {
	for _, name := range dir.names {
		if file, ok := dir.File(name); ok {
			inv.unindexFile(file)
		}
		if sub, ok := dir.Dir(name); ok {
			inv.unindexTree(sub)
		}
	}
}

func (inv *Inventory) unindexFile(file *FileNode) {
	kindList := inv.byKind[file.Kind]
	for i, f := range kindList {
		if f == file {
			inv.byKind[file.Kind] = append(kindList[:i], kindList[i+1:]...)
			break
		}
	}
	for _, entry := range inv.keywords {
		for i, f := range entry.Files {
			if f == file {
				entry.Files = append(entry.Files[:i], entry.Files[i+1:]...)
				break
			}
		}
	}
	delete(inv.versions, file.Path)
	inv.count--
}

// ByPath navigates the tree to the file at path. It fails when an
// intermediate segment is missing or resolves to a file.
func (inv *Inventory) ByPath(path string) (*FileNode, error) {
	segments, err := inv.segmentsUnderRoot(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%s is the inventory root, not a file", path)
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	dir := inv.root
	for _, segment := range segments[:len(segments)-1] {
		next, ok := dir.Dir(segment)
		if !ok {
			if dir.has(segment) {
				return nil, fmt.Errorf("%s: %q is a file, not a directory", path, segment)
			}
			return nil, fmt.Errorf("%s: no such entry %q", path, segment)
		}
		dir = next
	}

	name := segments[len(segments)-1]
	file, ok := dir.File(name)
	if !ok {
		return nil, fmt.Errorf("%s: no such entry %q", path, name)
	}
	return file, nil
}

// ByKind returns the indexed files of the given kinds in insertion order.
// The returned slice is a copy; iterating it is restartable.
func (inv *Inventory) ByKind(kinds ...types.Kind) []*FileNode {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var out []*FileNode
	for _, kind := range kinds {
		out = append(out, inv.byKind[kind]...)
	}
	return out
}

// ByPhase returns the files participating in the given build phase, grouped
// by the phase's kind order.
func (inv *Inventory) ByPhase(phase types.Phase) []*FileNode {
	return inv.ByKind(phase.Kinds()...)
}

// IndexByKeywords records the file under every keyword present on its data.
// Re-indexing the same file and keyword pair has no duplicate effect.
func (inv *Inventory) IndexByKeywords(file *FileNode) {
	keywords := file.Keywords()
	if len(keywords) == 0 {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	for _, keyword := range keywords {
		slug := Slugify(keyword)
		if slug == "" {
			continue
		}

		entry, ok := inv.keywords[slug]
		if !ok {
			entry = &KeywordEntry{Slug: slug}
			inv.keywords[slug] = entry
		}

		hasForm := false
		for _, form := range entry.Forms {
			if form == keyword {
				hasForm = true
				break
			}
		}
		if !hasForm {
			entry.Forms = append(entry.Forms, keyword)
		}

		hasFile := false
		for _, f := range entry.Files {
			if f == file {
				hasFile = true
				break
			}
		}
		if !hasFile {
			entry.Files = append(entry.Files, file)
		}
	}
}

// Keyword returns the entry for a slug.
func (inv *Inventory) Keyword(slug string) (*KeywordEntry, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	entry, ok := inv.keywords[slug]
	return entry, ok
}

// KeywordSlugs returns every indexed keyword slug.
func (inv *Inventory) KeywordSlugs() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, 0, len(inv.keywords))
	for slug := range inv.keywords {
		out = append(out, slug)
	}
	return out
}

// Version records the content-hashed alternate path for an original path.
// Re-assigning a different versioned path for the same original is a
// consistency violation and fails; re-recording the same pair is a no-op.
func (inv *Inventory) Version(path, versionedPath string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if existing, ok := inv.versions[path]; ok {
		if existing == versionedPath {
			return nil
		}
		return fmt.Errorf("%s already versioned as %s, refusing %s", path, existing, versionedPath)
	}
	inv.versions[path] = versionedPath
	return nil
}

// Versions returns a copy of the full original-to-versioned path map.
func (inv *Inventory) Versions() map[string]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]string, len(inv.versions))
	for k, v := range inv.versions {
		out[k] = v
	}
	return out
}

// Versioned returns the recorded versioned path for an original path.
func (inv *Inventory) Versioned(path string) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	versioned, ok := inv.versions[path]
	return versioned, ok
}

// segmentsUnderRoot splits path into the segments below the inventory root.
func (inv *Inventory) segmentsUnderRoot(path string) ([]string, error) {
	rel, err := filepath.Rel(inv.root.Path, filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("%s is not under the inventory root %s: %w", path, inv.root.Path, err)
	}
	if rel == "." {
		return nil, nil
	}
	if strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%s is outside the inventory root %s", path, inv.root.Path)
	}
	return strings.Split(rel, string(filepath.Separator)), nil
}

// slugStripper removes combining marks left over after NFKD decomposition.
var slugStripper = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
)

// Slugify converts a keyword to its canonical slug: Unicode-normalized,
// lowercased, with non-alphanumeric runs collapsed to single hyphens.
func Slugify(keyword string) string {
	normalized, _, err := transform.String(slugStripper, keyword)
	if err != nil {
		normalized = keyword
	}

	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(normalized) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

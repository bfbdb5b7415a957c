// Package artifact writes per-frame images and videos without clobbering earlier output.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Namer hands out artifact paths inside one output directory. Stems are unique per run,
// and a path that already exists on disk gets a numeric suffix instead of being overwritten.
type Namer struct {
	dir string

	mu       sync.Mutex
	stems    map[string]string // source -> stem
	taken    map[string]bool   // stems in use this run
	reserved map[string]bool   // paths handed out this run
}

func NewNamer(dir string) *Namer {
	return &Namer{
		dir:      dir,
		stems:    map[string]string{},
		taken:    map[string]bool{},
		reserved: map[string]bool{},
	}
}

// Dir is the output directory.
func (n *Namer) Dir() string { return n.dir }

// Stem returns the base name used for a source's artifacts: the file name without its
// extension. A second source with the same stem gets "<stem>_<ext>".
func (n *Namer) Stem(source string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.stems[source]; ok {
		return s
	}

	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = base
	}
	candidate := stem
	if n.taken[candidate] && ext != "" {
		candidate = stem + "_" + strings.TrimPrefix(ext, ".")
	}
	for i := 2; n.taken[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", stem, i)
	}
	n.taken[candidate] = true
	n.stems[source] = candidate
	return candidate
}

// Path reserves a file name in the output directory. When name already exists it becomes
// "<name>-2<ext>", "<name>-3<ext>" and so on.
func (n *Namer) Path(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(n.dir, name)
	for i := 2; n.reserved[path] || exists(path); i++ {
		path = filepath.Join(n.dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	n.reserved[path] = true
	return path
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

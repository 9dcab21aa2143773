// Package tree builds and walks the document navigation tree.
package tree

import (
	"sort"
	"strings"

	"github.com/liuyunc/mkviewer/pkg/models"
)

// Build turns a flat list of storage keys into a directory tree.
// basePrefix is stripped from keys that start with it. Empty segments
// are dropped; the last segment of each key is appended to its
// directory's Files as the full key. No deduplication is performed.
func Build(keys []string, basePrefix string) *models.TreeNode {
	root := &models.TreeNode{Path: ""}
	for _, key := range keys {
		rel := key
		if basePrefix != "" && strings.HasPrefix(key, basePrefix) {
			rel = key[len(basePrefix):]
		}
		parts := splitPath(rel)
		if len(parts) == 0 {
			continue
		}
		cur := root
		for _, p := range parts[:len(parts)-1] {
			cur = child(cur, p)
		}
		cur.Files = append(cur.Files, key)
	}
	return root
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	parts := raw[:0]
	for _, s := range raw {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func child(parent *models.TreeNode, name string) *models.TreeNode {
	if parent.Dirs == nil {
		parent.Dirs = make(map[string]*models.TreeNode)
	}
	if n, ok := parent.Dirs[name]; ok {
		return n
	}
	n := &models.TreeNode{Name: name, Path: BuildChildPath(parent.Path, name)}
	parent.Dirs[name] = n
	return n
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// SortedDirs returns the directory names of node in case-insensitive order.
func SortedDirs(node *models.TreeNode) []string {
	names := make([]string, 0, len(node.Dirs))
	for name := range node.Dirs {
		names = append(names, name)
	}
	sortFold(names)
	return names
}

// SortedFiles returns the file keys of node in case-insensitive order.
func SortedFiles(node *models.TreeNode) []string {
	files := append([]string(nil), node.Files...)
	sortFold(files)
	return files
}

func sortFold(s []string) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := strings.ToLower(s[i]), strings.ToLower(s[j])
		if a != b {
			return a < b
		}
		return s[i] < s[j]
	})
}

// Visitor is called by Walk. depth is 0 for children of the root.
type Visitor struct {
	EnterDir func(node *models.TreeNode, depth int)
	LeaveDir func(node *models.TreeNode, depth int)
	File     func(key string, depth int)
}

// Walk visits node in render order: directories first, then files,
// each sorted case-insensitively.
func Walk(node *models.TreeNode, v Visitor) {
	walk(node, v, 0)
}

func walk(node *models.TreeNode, v Visitor, depth int) {
	if node == nil {
		return
	}
	for _, name := range SortedDirs(node) {
		d := node.Dirs[name]
		if v.EnterDir != nil {
			v.EnterDir(d, depth)
		}
		walk(d, v, depth+1)
		if v.LeaveDir != nil {
			v.LeaveDir(d, depth)
		}
	}
	if v.File != nil {
		for _, key := range SortedFiles(node) {
			v.File(key, depth)
		}
	}
}

// FindByPath resolves a directory path in the tree.
func FindByPath(root *models.TreeNode, path string) *models.TreeNode {
	cur := root
	for _, p := range splitPath(path) {
		if cur == nil || cur.Dirs == nil {
			return nil
		}
		cur = cur.Dirs[p]
	}
	return cur
}

// CountNodes returns the number of directories and files under root.
func CountNodes(root *models.TreeNode) (dirs, files int) {
	if root == nil {
		return 0, 0
	}
	files = len(root.Files)
	for _, d := range root.Dirs {
		dd, ff := CountNodes(d)
		dirs += dd + 1
		files += ff
	}
	return dirs, files
}

// Flatten returns every file key in render order.
func Flatten(root *models.TreeNode) []string {
	var keys []string
	Walk(root, Visitor{File: func(key string, _ int) {
		keys = append(keys, key)
	}})
	return keys
}

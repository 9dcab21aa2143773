package models

// TreeNode is a directory in the document navigation tree.
// Files holds full storage keys; Dirs is keyed by segment name.
type TreeNode struct {
	Name  string               `json:"name"`
	Path  string               `json:"path"`
	Dirs  map[string]*TreeNode `json:"dirs,omitempty"`
	Files []string             `json:"files,omitempty"`
}

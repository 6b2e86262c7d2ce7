package workspace

import "sort"

// TreeNode is one node of the assembled workspace forest.
type TreeNode struct {
	FileNode
	// Children holds the node's direct children ordered by ascending path.
	Children []*TreeNode `json:"children,omitempty"`
}

// BuildTree assembles the flat node set into a forest. Nodes are sorted by
// path so every parent precedes its children, then attached in a single pass
// using a path→node map. A node whose parent path is absent from the set is
// placed at the root, which keeps the view total even when the flat set is
// mid-reconciliation.
func BuildTree(nodes []FileNode) []*TreeNode {
	sorted := make([]FileNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	byPath := make(map[string]*TreeNode, len(sorted))
	var roots []*TreeNode
	for _, n := range sorted {
		tn := &TreeNode{FileNode: n}
		byPath[n.Path] = tn
		if parent, ok := byPath[ParentPath(n.Path)]; ok {
			parent.Children = append(parent.Children, tn)
			continue
		}
		roots = append(roots, tn)
	}
	return roots
}

// CountNodes returns the total number of nodes in the forest.
func CountNodes(forest []*TreeNode) int {
	total := 0
	for _, n := range forest {
		total += 1 + CountNodes(n.Children)
	}
	return total
}

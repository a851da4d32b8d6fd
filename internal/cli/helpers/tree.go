package helpers

import (
	"fmt"
	"strings"
)

// TreeNode represents a node in a tree structure for rendering.
type TreeNode interface {
	GetName() string
	// GetMarker returns a short annotation printed after the name, or "".
	GetMarker() string
	GetChildren() []TreeNode
}

// RenderTree renders a tree structure in ASCII art format.
func RenderTree(root TreeNode) string {
	if root == nil {
		return "No tree data available.\n"
	}
	var buf strings.Builder
	renderTreeNode(&buf, root, "", true)
	return buf.String()
}

func renderTreeNode(buf *strings.Builder, node TreeNode, prefix string, isLast bool) {
	connector := "├─"
	if isLast {
		connector = "└─"
	}

	marker := ""
	if m := node.GetMarker(); m != "" {
		marker = " [" + m + "]"
	}
	fmt.Fprintf(buf, "%s%s %s%s\n", prefix, connector, node.GetName(), marker)

	childPrefix := prefix
	if isLast {
		childPrefix += "  "
	} else {
		childPrefix += "│ "
	}

	children := node.GetChildren()
	for i, child := range children {
		renderTreeNode(buf, child, childPrefix, i == len(children)-1)
	}
}

package store

import "sort"

// TreeNode is one entry of a flattened session tree.
type TreeNode struct {
	Session *Session
	Depth   int
}

// Tree resolves the root of the session's tree and returns the
// pre-order traversal with children sorted by creation time. A session
// whose parent is unknown is treated as a root.
func (s *Store) Tree(sessionID string) []TreeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	// Chase parent links to the root; a broken link stops the chase.
	root := start
	seen := map[string]bool{root.ID: true}
	for root.ParentID != "" {
		parent, ok := s.sessions[root.ParentID]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		root = parent
	}

	children := make(map[string][]*Session)
	for _, sess := range s.sessions {
		if sess.ParentID != "" && sess.ServerURL == root.ServerURL {
			children[sess.ParentID] = append(children[sess.ParentID], sess)
		}
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool {
			if !kids[i].CreatedAt.Equal(kids[j].CreatedAt) {
				return kids[i].CreatedAt.Before(kids[j].CreatedAt)
			}
			return kids[i].ID < kids[j].ID
		})
	}

	var out []TreeNode
	var walk func(sess *Session, depth int)
	visited := make(map[string]bool)
	walk = func(sess *Session, depth int) {
		if visited[sess.ID] {
			return
		}
		visited[sess.ID] = true
		out = append(out, TreeNode{Session: sess, Depth: depth})
		for _, child := range children[sess.ID] {
			walk(child, depth+1)
		}
	}
	walk(root, 0)
	return out
}

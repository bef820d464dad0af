package store

import (
	"sort"
	"strings"
	"time"

	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
)

// ComputeRelevant selects the subset of a server's sessions the
// monitor retains, pruning old idle branches:
//
//  1. Seed with every active session plus its ancestors.
//  2. Add the most-recently-updated root whose directory matches the
//     server's announced directory, if any.
//  3. Grow: children of included nodes join when they are active or
//     were updated within the recent-idle window. Repeat to fixpoint.
//
// The returned ids are in no particular order.
func ComputeRelevant(active map[string]string, all []upstream.Session, serverDir string, recentIdle time.Duration, now time.Time) []string {
	byID := make(map[string]upstream.Session, len(all))
	children := make(map[string][]upstream.Session)
	for _, sess := range all {
		byID[sess.ID] = sess
		if sess.ParentID != "" {
			children[sess.ParentID] = append(children[sess.ParentID], sess)
		}
	}

	included := make(map[string]bool)

	// 1. Active sessions and their ancestor chains.
	for id := range active {
		for cur := id; cur != "" && !included[cur]; {
			included[cur] = true
			sess, ok := byID[cur]
			if !ok {
				break
			}
			cur = sess.ParentID
		}
	}

	// 2. The freshest root in the server's announced directory.
	if root, ok := matchingRoot(all, serverDir); ok {
		included[root.ID] = true
	}

	// 3. Fixpoint over recent or active children.
	cutoff := now.Add(-recentIdle)
	for {
		grew := false
		for id := range included {
			for _, child := range children[id] {
				if included[child.ID] {
					continue
				}
				_, isActive := active[child.ID]
				if isActive || !child.Time.UpdatedAt().Before(cutoff) {
					included[child.ID] = true
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	out := make([]string, 0, len(included))
	for id := range included {
		// Sessions that only exist in the active map still count; they
		// will be materialized by the detail fetch.
		out = append(out, id)
	}
	return out
}

// matchingRoot returns the most-recently-updated root session whose
// directory equals the server's announced directory, comparing with
// trailing slashes stripped.
func matchingRoot(all []upstream.Session, serverDir string) (upstream.Session, bool) {
	want := strings.TrimRight(serverDir, "/")
	if want == "" {
		return upstream.Session{}, false
	}

	roots := make([]upstream.Session, 0)
	for _, sess := range all {
		if sess.ParentID == "" && strings.TrimRight(sess.Directory, "/") == want {
			roots = append(roots, sess)
		}
	}
	if len(roots) == 0 {
		return upstream.Session{}, false
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Time.Updated > roots[j].Time.Updated
	})
	return roots[0], true
}

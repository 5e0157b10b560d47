package enrich

import "github.com/procgraph/agent/internal/execcache"

// Ancestors returns the chain of parent exec-ids for the process
// named by execID, immediate-parent first, truncated once an ancestor
// can't be resolved in the cache or maxDepth is reached. execID itself
// is not part of the returned chain.
func Ancestors(cache *execcache.Cache, execID string, maxDepth int) []string {
	proc, ok := cache.Get(execID)
	if !ok {
		return nil
	}

	var chain []string
	current := proc.ParentExecID

	for depth := 0; depth < maxDepth && current != ""; depth++ {
		p, ok := cache.Get(current)
		if !ok {
			break
		}
		chain = append(chain, current)
		current = p.ParentExecID
	}

	return chain
}

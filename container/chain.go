package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type chainKey struct{}

// chainNode is one link of the resolution chain stored in the context.
type chainNode struct {
	key  Key
	prev *chainNode
}

func withResolving(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, chainKey{}, &chainNode{key: key, prev: currentNode(ctx)})
}

func currentNode(ctx context.Context) *chainNode {
	n, _ := ctx.Value(chainKey{}).(*chainNode)
	return n
}

func chainContains(ctx context.Context, key Key) bool {
	for n := currentNode(ctx); n != nil; n = n.prev {
		if n.key == key {
			return true
		}
	}
	return false
}

// within reports whether n is anc or was resolved inside anc.
func within(n, anc *chainNode) bool {
	for ; n != nil; n = n.prev {
		if n == anc {
			return true
		}
	}
	return false
}

// formatChain renders "a -> b -> a" for error messages.
func formatChain(ctx context.Context, next Key) string {
	var keys []string
	for n := currentNode(ctx); n != nil; n = n.prev {
		keys = append(keys, string(n.key))
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return strings.Join(append(keys, string(next)), " -> ")
}

// call is one in-flight singleton construction. node is the chain link of
// the Resolve that runs the factory.
type call struct {
	key  Key
	node *chainNode
	done chan struct{}
	val  any
	err  error
}

// waiting maps the chain link of every blocked resolver to the build it
// waits on. Builds can span containers, so the graph is process-wide.
var (
	waitMu  sync.Mutex
	waiting = make(map[*chainNode]*call)
)

func (cl *call) finished() bool {
	select {
	case <-cl.done:
		return true
	default:
		return false
	}
}

func (cl *call) run(ctx context.Context, f Factory, owner *Container) {
	defer func() {
		if p := recover(); p != nil {
			cl.val, cl.err = nil, fmt.Errorf("container: %s factory panicked: %v", cl.key, p)
		}
	}()
	cl.val, cl.err = f(ctx, owner)
}

// wait blocks until cl completes. It fails with ErrCircularDependency when
// the build of cl is, directly or through other blocked builds, waiting on
// a build started by the caller's own chain.
func (cl *call) wait(ctx context.Context) (any, error) {
	self := currentNode(ctx)

	waitMu.Lock()
	if blocker := cl.reaches(self); blocker != nil {
		waitMu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s is waiting on this resolution)",
			ErrCircularDependency, formatChain(ctx, blocker.key), cl.key)
	}
	waiting[self] = cl
	waitMu.Unlock()

	defer func() {
		waitMu.Lock()
		delete(waiting, self)
		waitMu.Unlock()
	}()

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reaches walks the wait graph from cl and returns the first unfinished
// build started inside self's chain, or nil. waitMu must be held.
func (cl *call) reaches(self *chainNode) *call {
	seen := make(map[*call]bool)
	queue := []*call{cl}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] || cur.finished() {
			continue
		}
		seen[cur] = true
		if within(self, cur.node) {
			return cur
		}
		for n, next := range waiting {
			if within(n, cur.node) {
				queue = append(queue, next)
			}
		}
	}
	return nil
}

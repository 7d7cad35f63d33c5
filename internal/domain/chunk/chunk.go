// Package chunk splits oversized collection requests into token-budgeted
// pieces and merges the per-chunk results back into one JSON document.
package chunk

import (
	"fmt"
	"strings"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
)

// TokenCounter estimates the token cost of a string.
type TokenCounter func(s string) int

// Plan describes how one request is split.
type Plan struct {
	ArrayPath string // dotted path to the shape's collection
	Total     int    // total requested items
	Counts    []int  // items per chunk, len(Counts) == chunk count
}

// Chunked reports whether more than one call is needed.
func (p Plan) Chunked() bool { return len(p.Counts) > 1 }

// FindCollection locates the shallowest array in the shape and returns
// its dotted path ("" for a top-level array). Breadth-first, so a
// top-level array wins over a nested one.
func FindCollection(shape string) (string, bool) {
	root, err := jsontree.Parse([]byte(shape))
	if err != nil {
		return "", false
	}

	type frame struct {
		node *jsontree.Value
		path string
	}
	queue := []frame{{node: root}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		switch f.node.Kind() {
		case jsontree.Arr:
			return f.path, true
		case jsontree.Obj:
			for _, k := range f.node.Keys() {
				p := k
				if f.path != "" {
					p = f.path + "." + k
				}
				queue = append(queue, frame{node: f.node.Field(k), path: p})
			}
		}
	}
	return "", false
}

// Build plans the chunking of a request for itemCount items of shape.
// The per-call budget is a quarter of the backend's context window minus
// the prompt's own tokens; when the estimated output fits, the plan is a
// single chunk. A zero contextWindow disables chunking.
func Build(shape string, itemCount, promptTokens, contextWindow int, count TokenCounter) Plan {
	if itemCount < 1 {
		itemCount = 1
	}
	plan := Plan{Total: itemCount, Counts: []int{itemCount}}

	path, ok := FindCollection(shape)
	if !ok || contextWindow <= 0 {
		return plan
	}
	plan.ArrayPath = path

	budget := contextWindow/4 - promptTokens
	if budget <= 0 {
		budget = contextWindow / 8 // degenerate prompt; still cap each call
	}
	if budget <= 0 {
		return plan
	}

	perItem := itemTokens(shape, path, count)
	needed := perItem * itemCount
	if needed <= budget {
		return plan
	}

	perChunk := budget / perItem
	if perChunk < 1 {
		perChunk = 1
	}
	k := (itemCount + perChunk - 1) / perChunk

	plan.Counts = make([]int, 0, k)
	remaining := itemCount
	for i := 0; i < k; i++ {
		n := remaining / (k - i)
		if rem := remaining % (k - i); rem > 0 {
			n++
		}
		plan.Counts = append(plan.Counts, n)
		remaining -= n
	}
	return plan
}

// itemTokens estimates the output cost of one collection item from the
// shape's example element, padded for generated values being longer than
// the template.
func itemTokens(shape, path string, count TokenCounter) int {
	root, err := jsontree.Parse([]byte(shape))
	if err != nil {
		return 32
	}
	arr := nodeAt(root, path)
	sample := shape
	if arr.Kind() == jsontree.Arr && arr.Len() > 0 {
		sample = string(arr.Index(0).Encode())
	}
	t := count(sample) * 2
	if t < 8 {
		t = 8
	}
	return t
}

// Merge concatenates the collections of the chunk bodies into a single
// document shaped like the first body.
func Merge(plan Plan, bodies []string) (string, error) {
	if len(bodies) == 0 {
		return "", fmt.Errorf("no chunk bodies to merge")
	}
	if len(bodies) == 1 {
		return bodies[0], nil
	}

	first, err := jsontree.Parse([]byte(bodies[0]))
	if err != nil {
		return "", fmt.Errorf("chunk 0: %w", err)
	}
	target := nodeAt(first, plan.ArrayPath)
	if target.Kind() != jsontree.Arr {
		// The model ignored the collection structure; fall back to the
		// first chunk rather than corrupting the document.
		return bodies[0], nil
	}

	for i, body := range bodies[1:] {
		root, err := jsontree.Parse([]byte(body))
		if err != nil {
			return "", fmt.Errorf("chunk %d: %w", i+1, err)
		}
		arr := nodeAt(root, plan.ArrayPath)
		if arr.Kind() != jsontree.Arr {
			continue
		}
		for _, el := range arr.Elements() {
			target.Append(el)
		}
	}

	return string(first.Encode()), nil
}

func nodeAt(root *jsontree.Value, path string) *jsontree.Value {
	if path == "" {
		return root
	}
	node := root
	for _, part := range strings.Split(path, ".") {
		node = node.Field(part)
	}
	return node
}

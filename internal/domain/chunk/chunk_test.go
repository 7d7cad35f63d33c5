package chunk

import (
	"testing"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
)

func quarterLen(s string) int { return (len(s) + 3) / 4 }

func TestFindCollection(t *testing.T) {
	cases := []struct {
		shape string
		path  string
		ok    bool
	}{
		{`[{"id":0}]`, "", true},
		{`{"items":[{"id":0}]}`, "items", true},
		{`{"data":{"users":[{"id":0}]}}`, "data.users", true},
		{`{"id":0,"name":""}`, "", false},
		{`not json`, "", false},
	}
	for _, tc := range cases {
		path, ok := FindCollection(tc.shape)
		if ok != tc.ok || path != tc.path {
			t.Errorf("FindCollection(%q) = (%q, %v), want (%q, %v)", tc.shape, path, ok, tc.path, tc.ok)
		}
	}
}

func TestBuild_SingleChunkWhenFits(t *testing.T) {
	plan := Build(`{"items":[{"id":0,"name":""}]}`, 5, 100, 32000, quarterLen)
	if plan.Chunked() {
		t.Fatalf("small request must not chunk: %+v", plan)
	}
	if plan.Total != 5 || plan.Counts[0] != 5 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestBuild_SplitsOversizedRequest(t *testing.T) {
	// Window 800 gives a budget of 200 - 50 = 150 tokens; each item costs
	// ~2*len/4 of its template, so 100 items cannot fit in one call.
	shape := `{"items":[{"id":0,"name":"something","description":"a longer field"}]}`
	plan := Build(shape, 100, 50, 800, quarterLen)

	if !plan.Chunked() {
		t.Fatal("oversized request must chunk")
	}
	if plan.ArrayPath != "items" {
		t.Fatalf("array path = %q", plan.ArrayPath)
	}
	sum := 0
	for _, n := range plan.Counts {
		if n < 1 {
			t.Fatalf("chunk with %d items", n)
		}
		sum += n
	}
	if sum != 100 {
		t.Fatalf("chunk counts sum to %d, want 100", sum)
	}
}

func TestBuild_NoCollectionNoChunking(t *testing.T) {
	plan := Build(`{"id":0}`, 100, 50, 100, quarterLen)
	if plan.Chunked() {
		t.Fatal("scalar shapes cannot chunk")
	}
}

func TestBuild_ZeroWindowDisables(t *testing.T) {
	plan := Build(`{"items":[{"id":0}]}`, 1000, 50, 0, quarterLen)
	if plan.Chunked() {
		t.Fatal("unknown context window must disable chunking")
	}
}

func TestMerge_ConcatenatesCollections(t *testing.T) {
	plan := Plan{ArrayPath: "items", Total: 4, Counts: []int{2, 2}}
	merged, err := Merge(plan, []string{
		`{"items":[{"id":1},{"id":2}],"page":1}`,
		`{"items":[{"id":3},{"id":4}],"page":2}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	root, err := jsontree.Parse([]byte(merged))
	if err != nil {
		t.Fatalf("merged output not JSON: %v", err)
	}
	items := root.Field("items")
	if items.Len() != 4 {
		t.Fatalf("expected 4 merged items, got %d", items.Len())
	}
	for i, want := range []int64{1, 2, 3, 4} {
		if got := items.Index(i).Field("id").Int(); got != want {
			t.Fatalf("item %d id = %d, want %d", i, got, want)
		}
	}
	if root.Field("page").Int() != 1 {
		t.Fatal("non-collection fields must come from the first chunk")
	}
}

func TestMerge_TopLevelArray(t *testing.T) {
	plan := Plan{ArrayPath: "", Counts: []int{1, 1}}
	merged, err := Merge(plan, []string{`[{"id":1}]`, `[{"id":2}]`})
	if err != nil {
		t.Fatal(err)
	}
	root, _ := jsontree.Parse([]byte(merged))
	if root.Len() != 2 {
		t.Fatalf("expected 2 elements, got %d", root.Len())
	}
}

func TestMerge_SingleBodyPassthrough(t *testing.T) {
	body := `{"items":[1]}`
	merged, err := Merge(Plan{ArrayPath: "items", Counts: []int{1}}, []string{body})
	if err != nil || merged != body {
		t.Fatalf("single body must pass through, got %q, %v", merged, err)
	}
}

func TestMerge_NonArrayFallsBackToFirst(t *testing.T) {
	plan := Plan{ArrayPath: "items", Counts: []int{1, 1}}
	first := `{"items":"oops"}`
	merged, err := Merge(plan, []string{first, `{"items":[1]}`})
	if err != nil || merged != first {
		t.Fatalf("expected first-chunk fallback, got %q, %v", merged, err)
	}
}

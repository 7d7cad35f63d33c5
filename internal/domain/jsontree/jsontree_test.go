package jsontree

import (
	"strings"
	"testing"
)

func TestParse_AccessorChain(t *testing.T) {
	doc := []byte(`{"choices":[{"message":{"content":"hello"}}],"model":"m1"}`)
	v, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := v.Field("choices").Index(0).Field("message").Field("content").Str()
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestAccessors_NilSafe(t *testing.T) {
	v, err := Parse([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Missing fields, wrong kinds, out-of-range indexes must not panic.
	if !v.Field("missing").Field("deeper").Index(3).IsNull() {
		t.Fatal("missing chain should be null")
	}
	if v.Field("a").Str() != "" {
		t.Fatal("Str on a number should be empty")
	}
	if v.Field("a").Int() != 1 {
		t.Fatal("Int accessor failed")
	}
}

func TestEncode_PreservesKeyOrder(t *testing.T) {
	doc := `{"zeta":1,"alpha":{"b":2,"a":3},"items":[1,"two",true,null]}`
	v, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := string(v.Encode()); got != doc {
		t.Fatalf("round trip changed document:\n in: %s\nout: %s", doc, got)
	}
}

func TestParse_BigIntegerSurvives(t *testing.T) {
	v, err := Parse([]byte(`{"id":9007199254740993}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := string(v.Encode()); !strings.Contains(got, "9007199254740993") {
		t.Fatalf("integer precision lost: %s", got)
	}
}

func TestParse_TrailingGarbage(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} trailing`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestWalk_Paths(t *testing.T) {
	v, err := Parse([]byte(`{"user":{"id":7,"tags":["a","b"]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	paths := map[string]string{}
	v.Walk(func(path string, node *Value) {
		if s := node.Scalar(); s != "" {
			paths[path] = s
		}
	})

	if paths["user.id"] != "7" {
		t.Errorf("expected user.id=7, got %q", paths["user.id"])
	}
	if paths["user.tags[1]"] != "b" {
		t.Errorf("expected user.tags[1]=b, got %q", paths["user.tags[1]"])
	}
}

func TestSetDeleteAppend(t *testing.T) {
	obj := NewObj()
	obj.Set("first", NewNum(1))
	obj.Set("second", NewStr("x"))
	obj.Set("first", NewNum(9)) // replace keeps position

	if got := string(obj.Encode()); got != `{"first":9,"second":"x"}` {
		t.Fatalf("unexpected encoding: %s", got)
	}

	obj.Delete("first")
	if got := string(obj.Encode()); got != `{"second":"x"}` {
		t.Fatalf("delete failed: %s", got)
	}

	arr := NewArr()
	arr.Append(NewStr("a"))
	arr.Append(NewNum(2))
	if got := string(arr.Encode()); got != `["a",2]` {
		t.Fatalf("append failed: %s", got)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netstate

import (
	"reflect"
	"testing"

	"github.com/bureau-foundation/tabletop/lib/codec"
)

func tree(t *testing.T, v any) any {
	t.Helper()
	converted, err := codec.ToTree(v)
	if err != nil {
		t.Fatalf("ToTree: %v", err)
	}
	return converted
}

func copyTree(t *testing.T, v any) any {
	t.Helper()
	copied, err := codec.DeepCopy(v)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}
	return copied
}

var diffCases = []struct {
	name     string
	lhs, rhs any
}{
	{"identical", map[string]any{"id": "map1"}, map[string]any{"id": "map1"}},
	{"scalar edit", map[string]any{"id": "map1", "zoom": 1}, map[string]any{"id": "map1", "zoom": 2}},
	{"key added", map[string]any{"tokens": map[string]any{}}, map[string]any{"tokens": map[string]any{"t1": map[string]any{"x": 3}}}},
	{"key removed", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}},
	{"type change", map[string]any{"fog": []any{1, 2}}, map[string]any{"fog": map[string]any{"cells": 2}}},
	{"array grows", map[string]any{"walls": []any{1}}, map[string]any{"walls": []any{1, 2, 3}}},
	{"array shrinks", map[string]any{"walls": []any{1, 2, 3, 4}}, map[string]any{"walls": []any{1}}},
	{"array emptied", []any{"a", "b"}, []any{}},
	{"nested array of maps", map[string]any{"layers": []any{map[string]any{"name": "bg"}}},
		map[string]any{"layers": []any{map[string]any{"name": "fg", "hidden": true}, map[string]any{"name": "bg"}}}},
	{"root replaced", "old", map[string]any{"id": "new"}},
	{"null to value", map[string]any{"grid": nil}, map[string]any{"grid": map[string]any{"size": 50}}},
	{"negative and float", map[string]any{"x": -4, "scale": 1.5}, map[string]any{"x": 4, "scale": 0.75}},
}

func TestApplyDiffReproducesTarget(t *testing.T) {
	for _, test := range diffCases {
		t.Run(test.name, func(t *testing.T) {
			lhs, rhs := tree(t, test.lhs), tree(t, test.rhs)

			got, err := Apply(copyTree(t, lhs), Diff(lhs, rhs))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !reflect.DeepEqual(got, rhs) {
				t.Errorf("Apply(A, Diff(A, B)) = %#v, want %#v", got, rhs)
			}
		})
	}
}

func TestApplyDiffAfterWireRoundTrip(t *testing.T) {
	for _, test := range diffCases {
		t.Run(test.name, func(t *testing.T) {
			lhs, rhs := tree(t, test.lhs), tree(t, test.rhs)

			// Path indices come back as uint64 after decoding.
			encoded, err := codec.Marshal(Diff(lhs, rhs))
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var changes []Change
			if err := codec.Unmarshal(encoded, &changes); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}

			got, err := Apply(copyTree(t, lhs), changes)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !reflect.DeepEqual(got, rhs) {
				t.Errorf("got %#v, want %#v", got, rhs)
			}
		})
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	value := tree(t, map[string]any{"id": "map1", "tokens": map[string]any{"t1": []any{1, 2}}})
	if changes := Diff(value, copyTree(t, value)); len(changes) != 0 {
		t.Errorf("Diff of equal trees = %+v", changes)
	}
}

func TestDiffAddedTokenOnly(t *testing.T) {
	before := tree(t, map[string]any{"id": "map1", "tokens": map[string]any{}})
	after := tree(t, map[string]any{"id": "map1", "tokens": map[string]any{"t1": map[string]any{"x": 1, "y": 2}}})

	changes := Diff(before, after)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(changes), changes)
	}
	change := changes[0]
	if change.Kind != KindNew {
		t.Errorf("kind = %s, want N", change.Kind)
	}
	if !reflect.DeepEqual(change.Path, []any{"tokens", "t1"}) {
		t.Errorf("path = %v, want [tokens t1]", change.Path)
	}
}

func TestDiffArrayRemovalsDescend(t *testing.T) {
	changes := Diff(tree(t, []any{"a", "b", "c", "d"}), tree(t, []any{"a"}))
	var indices []int
	for _, change := range changes {
		if change.Kind != KindArray || change.Item == nil || change.Item.Kind != KindDeleted {
			t.Fatalf("unexpected change %+v", change)
		}
		indices = append(indices, change.Index)
	}
	if !reflect.DeepEqual(indices, []int{3, 2, 1}) {
		t.Errorf("removal order = %v, want [3 2 1]", indices)
	}
}

func TestApplyRejectsMissingParent(t *testing.T) {
	root := tree(t, map[string]any{"id": "map1"})
	_, err := Apply(root, []Change{{Kind: KindNew, Path: []any{"tokens", "t1"}, RHS: "x"}})
	if err == nil {
		t.Error("Apply created a value under a missing parent")
	}
}

func TestApplyDeleteAbsentIsNoop(t *testing.T) {
	root := tree(t, map[string]any{"id": "map1"})
	got, err := Apply(root, []Change{{Kind: KindDeleted, Path: []any{"tokens"}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !reflect.DeepEqual(got, tree(t, map[string]any{"id": "map1"})) {
		t.Errorf("got %#v", got)
	}
}

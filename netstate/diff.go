// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netstate

import (
	"fmt"
	"reflect"
	"sort"
)

// Kind classifies one Change.
type Kind string

const (
	// KindNew adds a value at a path that did not exist.
	KindNew Kind = "N"
	// KindDeleted removes the value at a path.
	KindDeleted Kind = "D"
	// KindEdited replaces the value at a path.
	KindEdited Kind = "E"
	// KindArray changes one element of the array at a path. Item holds
	// a KindNew or KindDeleted change for the element at Index.
	KindArray Kind = "A"
)

// Change is one structural difference between two trees. Path elements
// are map keys (string) or array indices (integers).
type Change struct {
	Kind  Kind    `cbor:"kind"`
	Path  []any   `cbor:"path"`
	LHS   any     `cbor:"lhs"`
	RHS   any     `cbor:"rhs"`
	Index int     `cbor:"index,omitempty"`
	Item  *Change `cbor:"item,omitempty"`
}

// Diff returns the changes that turn lhs into rhs. Both must be generic
// trees as produced by codec.ToTree: map[string]any, []any, and
// scalars. Map keys are visited in sorted order and array removals are
// listed from the highest index down, so the result is deterministic
// and Apply can replay it in order.
func Diff(lhs, rhs any) []Change {
	var changes []Change
	diffInto(&changes, nil, lhs, rhs)
	return changes
}

func diffInto(changes *[]Change, path []any, lhs, rhs any) {
	switch left := lhs.(type) {
	case map[string]any:
		right, ok := rhs.(map[string]any)
		if !ok {
			break
		}
		for _, key := range sortedKeys(left) {
			if _, present := right[key]; !present {
				*changes = append(*changes, Change{Kind: KindDeleted, Path: extend(path, key), LHS: left[key]})
			}
		}
		for _, key := range sortedKeys(right) {
			leftValue, present := left[key]
			if !present {
				*changes = append(*changes, Change{Kind: KindNew, Path: extend(path, key), RHS: right[key]})
				continue
			}
			diffInto(changes, extend(path, key), leftValue, right[key])
		}
		return

	case []any:
		right, ok := rhs.([]any)
		if !ok {
			break
		}
		shared := min(len(left), len(right))
		for i := 0; i < shared; i++ {
			diffInto(changes, extend(path, i), left[i], right[i])
		}
		for i := len(left) - 1; i >= len(right); i-- {
			*changes = append(*changes, Change{
				Kind:  KindArray,
				Path:  clonePath(path),
				Index: i,
				Item:  &Change{Kind: KindDeleted, LHS: left[i]},
			})
		}
		for i := len(left); i < len(right); i++ {
			*changes = append(*changes, Change{
				Kind:  KindArray,
				Path:  clonePath(path),
				Index: i,
				Item:  &Change{Kind: KindNew, RHS: right[i]},
			})
		}
		return
	}

	if !reflect.DeepEqual(lhs, rhs) {
		*changes = append(*changes, Change{Kind: KindEdited, Path: clonePath(path), LHS: lhs, RHS: rhs})
	}
}

// Apply replays changes onto tree and returns the result. Containers in
// tree are modified in place; the returned root differs from tree only
// when a change replaces the root itself. Deleting a path that is
// already absent is a no-op.
func Apply(tree any, changes []Change) (any, error) {
	root := tree
	for i, change := range changes {
		var err error
		root, err = applyOne(root, change)
		if err != nil {
			return nil, fmt.Errorf("change %d (%s at %v): %w", i, change.Kind, change.Path, err)
		}
	}
	return root, nil
}

func applyOne(root any, change Change) (any, error) {
	switch change.Kind {
	case KindNew, KindEdited:
		return set(root, change.Path, change.RHS)

	case KindDeleted:
		if len(change.Path) == 0 {
			return nil, nil
		}
		parent, err := lookup(root, change.Path[:len(change.Path)-1])
		if err != nil {
			return nil, err
		}
		last := change.Path[len(change.Path)-1]
		container, ok := parent.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("delete of %v in a %T", last, parent)
		}
		key, ok := last.(string)
		if !ok {
			return nil, fmt.Errorf("map key %v is a %T", last, last)
		}
		delete(container, key)
		return root, nil

	case KindArray:
		if change.Item == nil {
			return nil, fmt.Errorf("array change without an item")
		}
		target, err := lookup(root, change.Path)
		if err != nil {
			return nil, err
		}
		array, ok := target.([]any)
		if !ok {
			return nil, fmt.Errorf("array change on a %T", target)
		}
		index := change.Index
		switch change.Item.Kind {
		case KindNew:
			switch {
			case index == len(array):
				array = append(array, change.Item.RHS)
			case index >= 0 && index < len(array):
				array[index] = change.Item.RHS
			default:
				return nil, fmt.Errorf("index %d outside array of %d", index, len(array))
			}
		case KindDeleted:
			if index < 0 || index >= len(array) {
				return nil, fmt.Errorf("index %d outside array of %d", index, len(array))
			}
			array = append(array[:index], array[index+1:]...)
		default:
			return nil, fmt.Errorf("unsupported array item kind %q", change.Item.Kind)
		}
		// Appending and removing change the slice header; store it back.
		return set(root, change.Path, array)

	default:
		return nil, fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

// set stores value at path and returns the (possibly new) root.
func set(root any, path []any, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	parent, err := lookup(root, path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	last := path[len(path)-1]
	switch container := parent.(type) {
	case map[string]any:
		key, ok := last.(string)
		if !ok {
			return nil, fmt.Errorf("map key %v is a %T", last, last)
		}
		container[key] = value
	case []any:
		index, err := toIndex(last)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= len(container) {
			return nil, fmt.Errorf("index %d outside array of %d", index, len(container))
		}
		container[index] = value
	default:
		return nil, fmt.Errorf("cannot set %v in a %T", last, parent)
	}
	return root, nil
}

func lookup(root any, path []any) (any, error) {
	current := root
	for _, element := range path {
		switch container := current.(type) {
		case map[string]any:
			key, ok := element.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v is a %T", element, element)
			}
			next, present := container[key]
			if !present {
				return nil, fmt.Errorf("no key %q", key)
			}
			current = next
		case []any:
			index, err := toIndex(element)
			if err != nil {
				return nil, err
			}
			if index < 0 || index >= len(container) {
				return nil, fmt.Errorf("index %d outside array of %d", index, len(container))
			}
			current = container[index]
		default:
			return nil, fmt.Errorf("cannot descend into a %T at %v", current, element)
		}
	}
	return current, nil
}

// toIndex accepts the integer types a path element can decode as.
func toIndex(element any) (int, error) {
	switch index := element.(type) {
	case int:
		return index, nil
	case int64:
		return int(index), nil
	case uint64:
		return int(index), nil
	default:
		return 0, fmt.Errorf("array index %v is a %T", element, element)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func extend(path []any, element any) []any {
	extended := make([]any, len(path), len(path)+1)
	copy(extended, path)
	return append(extended, element)
}

func clonePath(path []any) []any {
	return append([]any{}, path...)
}

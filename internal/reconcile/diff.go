package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Diff is the structural difference between two JSON documents. Every map
// is keyed by the JSON pointer of the changed member. Insert and Update hold
// the new value and Delete the removed one. Arrays are compared as a whole
// when their lengths differ and element by element otherwise.
type Diff struct {
	Insert map[string]any `json:"insert,omitempty"`
	Update map[string]any `json:"update,omitempty"`
	Delete map[string]any `json:"delete,omitempty"`
}

// Empty reports whether the documents were equal.
func (d Diff) Empty() bool {
	return len(d.Insert) == 0 && len(d.Update) == 0 && len(d.Delete) == 0
}

// Count is the number of structural changes.
func (d Diff) Count() int {
	return len(d.Insert) + len(d.Update) + len(d.Delete)
}

// Paths lists every changed pointer in sorted order.
func (d Diff) Paths() []string {
	out := make([]string, 0, d.Count())
	for _, m := range []map[string]any{d.Insert, d.Update, d.Delete} {
		for p := range m {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Compare diffs two serialized documents.
func Compare(before, after []byte) (Diff, error) {
	a, err := decode(before)
	if err != nil {
		return Diff{}, fmt.Errorf("decode previous: %w", err)
	}
	b, err := decode(after)
	if err != nil {
		return Diff{}, fmt.Errorf("decode current: %w", err)
	}
	var d Diff
	d.walk("", a, b)
	return d, nil
}

// CompareValues serializes both values and diffs them.
func CompareValues(before, after any) (Diff, error) {
	a, err := json.Marshal(before)
	if err != nil {
		return Diff{}, err
	}
	b, err := json.Marshal(after)
	if err != nil {
		return Diff{}, err
	}
	return Compare(a, b)
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Diff) walk(path string, a, b any) {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			d.set(&d.Update, path, b)
			return
		}
		for _, k := range sortedKeys(av) {
			child := path + "/" + escape(k)
			if next, ok := bv[k]; ok {
				d.walk(child, av[k], next)
			} else {
				d.set(&d.Delete, child, av[k])
			}
		}
		for _, k := range sortedKeys(bv) {
			if _, ok := av[k]; !ok {
				d.set(&d.Insert, path+"/"+escape(k), bv[k])
			}
		}
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			d.set(&d.Update, path, b)
			return
		}
		for i := range av {
			d.walk(path+"/"+strconv.Itoa(i), av[i], bv[i])
		}
	default:
		if !reflect.DeepEqual(a, b) {
			d.set(&d.Update, path, b)
		}
	}
}

func (d *Diff) set(m *map[string]any, path string, v any) {
	if *m == nil {
		*m = make(map[string]any)
	}
	(*m)[path] = v
}

// escape encodes a member name as a JSON pointer token.
func escape(k string) string {
	return strings.ReplaceAll(strings.ReplaceAll(k, "~", "~0"), "/", "~1")
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package collection defines the data collections the pipeline loads, the
// source types that produce them, and the coded errors shared by the loader.
//
// Architecture:
//
//	Collection  - Unit of loading (PERSONAL, COURSE, ENROLLMENT, GRADE, ACTIVITY)
//	SourceType  - Backend that produces collections (SAMPLE_CSV, CSV, DATABASE, HTTP)
//	InputKind   - Coarse capability class of a source (CSV, STORAGE)
//	Set         - Requested collections; nil means none, empty means all
package collection

import (
	"fmt"
	"sort"
	"strings"
)

// Collection names one category of learning-analytics data.
type Collection string

const (
	Personal   Collection = "PERSONAL"
	Course     Collection = "COURSE"
	Enrollment Collection = "ENROLLMENT"
	Grade      Collection = "GRADE"
	Activity   Collection = "ACTIVITY"
)

// canonical is the fixed iteration order used whenever all collections are requested.
var canonical = []Collection{Personal, Course, Enrollment, Grade, Activity}

// All returns every collection in canonical order.
func All() []Collection {
	out := make([]Collection, len(canonical))
	copy(out, canonical)
	return out
}

// Parse resolves a label case-insensitively.
func Parse(label string) (Collection, error) {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	for _, c := range canonical {
		if string(c) == normalized {
			return c, nil
		}
	}
	return "", InvalidArgument(fmt.Errorf("collection (%s) does not match the valid types: %v", label, canonical))
}

// ParseAll parses every label, failing on the first unknown one.
func ParseAll(labels []string) ([]Collection, error) {
	out := make([]Collection, 0, len(labels))
	for _, label := range labels {
		c, err := Parse(label)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (c Collection) String() string { return string(c) }

// Valid reports whether c is one of the enumerated collections.
func (c Collection) Valid() bool {
	return c.index() >= 0
}

// StageRef is the temporary-store stage holding this collection's records.
func (c Collection) StageRef() string {
	return strings.ToLower(string(c))
}

func (c Collection) index() int {
	for i, known := range canonical {
		if known == c {
			return i
		}
	}
	return -1
}

// Sort orders collections canonically in place.
func Sort(cs []Collection) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].index() < cs[j].index()
	})
}

// Set is an unordered set of collections.
//
// A nil Set and an empty Set mean different things to the loader: nil
// requests no loading at all, empty requests every collection.
type Set map[Collection]struct{}

// NewSet builds a non-nil set from the given collections.
func NewSet(cs ...Collection) Set {
	s := make(Set, len(cs))
	for _, c := range cs {
		s[c] = struct{}{}
	}
	return s
}

// ParseSet parses labels into a non-nil set.
func ParseSet(labels []string) (Set, error) {
	cs, err := ParseAll(labels)
	if err != nil {
		return nil, err
	}
	return NewSet(cs...), nil
}

// Add inserts c.
func (s Set) Add(c Collection) { s[c] = struct{}{} }

// Has reports membership.
func (s Set) Has(c Collection) bool {
	_, ok := s[c]
	return ok
}

// Clone returns an independent copy; cloning nil yields nil.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Sorted returns the members in canonical order.
func (s Set) Sorted() []Collection {
	out := make([]Collection, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	Sort(out)
	return out
}

// Strings returns the member labels in canonical order.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.Strings(), " ") + "]"
}

package collection

import (
	"fmt"
	"strings"
)

// SourceType identifies the handler implementation that produces collections.
type SourceType string

const (
	SourceSampleCSV SourceType = "SAMPLE_CSV"
	SourceCSV       SourceType = "CSV"
	SourceDatabase  SourceType = "DATABASE"
	SourceHTTP      SourceType = "HTTP"
)

var sourceTypes = []SourceType{SourceSampleCSV, SourceCSV, SourceDatabase, SourceHTTP}

// SourceTypes returns every known source type in declaration order.
func SourceTypes() []SourceType {
	out := make([]SourceType, len(sourceTypes))
	copy(out, sourceTypes)
	return out
}

// ParseSourceType resolves a label case-insensitively. The legacy spelling
// SAMPLECSV is accepted for SAMPLE_CSV.
func ParseSourceType(label string) (SourceType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "SAMPLECSV" {
		return SourceSampleCSV, nil
	}
	for _, st := range sourceTypes {
		if string(st) == normalized {
			return st, nil
		}
	}
	return "", InvalidArgument(fmt.Errorf("source type (%s) does not match the valid types: %v", label, sourceTypes))
}

func (s SourceType) String() string { return string(s) }

// Kind classifies the source for coarse capability checks.
func (s SourceType) Kind() InputKind {
	switch s {
	case SourceSampleCSV, SourceCSV:
		return KindCSV
	default:
		return KindStorage
	}
}

// InputKind is the coarse-grained capability class of a source.
type InputKind string

const (
	KindCSV     InputKind = "CSV"
	KindStorage InputKind = "STORAGE"
)

// ParseInputKind resolves a label case-insensitively.
func ParseInputKind(label string) (InputKind, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case string(KindCSV):
		return KindCSV, nil
	case string(KindStorage):
		return KindStorage, nil
	}
	return "", InvalidArgument(fmt.Errorf("input type (%s) does not match the valid types: [%s %s]", label, KindCSV, KindStorage))
}

func (k InputKind) String() string { return string(k) }

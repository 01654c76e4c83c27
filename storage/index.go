package storage

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

// IndexType is the declared scalar type of an indexed field.
type IndexType string

const (
	IndexString  IndexType = "STRING"
	IndexBoolean IndexType = "BOOLEAN"
	IndexNumber  IndexType = "NUMBER"
)

// Valid reports whether t is one of the known index types.
func (t IndexType) Valid() bool {
	switch t {
	case IndexString, IndexBoolean, IndexNumber:
		return true
	}
	return false
}

// IndexDefinitions maps a top-level field name to its index type.
type IndexDefinitions map[string]IndexType

// Columns returns the index column for every definition.
func (d IndexDefinitions) Columns() map[string]IndexType {
	out := make(map[string]IndexType, len(d))
	for field, t := range d {
		out[IndexColumn(field, t)] = t
	}
	return out
}

var unsafeColumnChars = regexp.MustCompile(`[^a-z0-9]+`)

// IndexColumn derives the column name for a field. The name is deterministic
// for a (field, type) pair. The hash suffix keeps fields that sanitize to the
// same text apart.
func IndexColumn(field string, t IndexType) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(t) + ":" + field))
	clean := strings.Trim(unsafeColumnChars.ReplaceAllString(strings.ToLower(field), "_"), "_")
	if len(clean) > 32 {
		clean = clean[:32]
	}
	if clean == "" {
		clean = "f"
	}
	var prefix string
	switch t {
	case IndexString:
		prefix = "s"
	case IndexBoolean:
		prefix = "b"
	default:
		prefix = "n"
	}
	return fmt.Sprintf("ix_%s_%s_%08x", prefix, clean, h.Sum32())
}

var indexColumnPattern = regexp.MustCompile(`^ix_[sbn]_[a-z0-9_]+_[0-9a-f]{8}$`)

// ValidIndexColumn reports whether name is shaped like an IndexColumn result.
// Stores interpolate column names into SQL only after this check.
func ValidIndexColumn(name string) bool {
	return indexColumnPattern.MatchString(name)
}

// IndexValue returns the column value for v under index type t. ok is false
// when v does not have the declared type, in which case the column is NULL.
func IndexValue(t IndexType, v document.Value) (val any, ok bool) {
	switch t {
	case IndexString:
		if v.Kind() == document.KindString {
			return v.Str(), true
		}
	case IndexNumber:
		if v.Kind() == document.KindNumber {
			return v.Num(), true
		}
	case IndexBoolean:
		if v.Kind() == document.KindBool {
			return v.Bool(), true
		}
	}
	return nil, false
}

// IndexValues computes the index column map for doc. Fields that are absent
// or of the wrong type map to nil.
func IndexValues(defs IndexDefinitions, doc *document.Object) map[string]any {
	if len(defs) == 0 {
		return nil
	}
	out := make(map[string]any, len(defs))
	for field, t := range defs {
		col := IndexColumn(field, t)
		v, found := doc.Get(field)
		if !found {
			out[col] = nil
			continue
		}
		val, ok := IndexValue(t, v)
		if !ok {
			out[col] = nil
			continue
		}
		out[col] = val
	}
	return out
}

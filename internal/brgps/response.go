package brgps

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Shape classifies the layout of a batch response body.
type Shape int

const (
	// ShapeEmpty covers null, scalars and undecodable bodies.
	ShapeEmpty Shape = iota
	// ShapeWrapped is an object whose data field is a list.
	ShapeWrapped
	// ShapeArray is a bare list.
	ShapeArray
	// ShapeSingle is a bare object treated as a one-element list.
	ShapeSingle
)

func (s Shape) String() string {
	switch s {
	case ShapeWrapped:
		return "wrapped"
	case ShapeArray:
		return "array"
	case ShapeSingle:
		return "single"
	default:
		return "empty"
	}
}

// Batch is the uniform view of a provider response.
type Batch struct {
	Shape   Shape
	Entries []Entry
}

// Find returns the entry whose id equals providerID exactly.
func (b Batch) Find(providerID string) (Entry, bool) {
	for _, entry := range b.Entries {
		id, ok := entry.ProviderID()
		if ok && id == providerID {
			return entry, true
		}
	}
	return Entry{}, false
}

// NormalizeBatch classifies body and returns its entries. It never fails:
// anything that is not a list or an object yields an empty batch.
func NormalizeBatch(body []byte) Batch {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Batch{Shape: ShapeEmpty}
	}

	switch trimmed[0] {
	case '{':
		var object map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return Batch{Shape: ShapeEmpty}
		}
		if data, ok := object["data"]; ok {
			if elements, isList := decodeList(data); isList {
				return Batch{Shape: ShapeWrapped, Entries: toEntries(elements)}
			}
		}
		return Batch{Shape: ShapeSingle, Entries: []Entry{newEntry(json.RawMessage(trimmed), object)}}
	case '[':
		elements, isList := decodeList(trimmed)
		if !isList {
			return Batch{Shape: ShapeEmpty}
		}
		return Batch{Shape: ShapeArray, Entries: toEntries(elements)}
	default:
		return Batch{Shape: ShapeEmpty}
	}
}

func decodeList(raw []byte) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, false
	}
	return elements, true
}

func toEntries(elements []json.RawMessage) []Entry {
	entries := make([]Entry, 0, len(elements))
	for _, element := range elements {
		var fields map[string]json.RawMessage
		trimmed := bytes.TrimSpace(element)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &fields); err != nil {
				fields = nil
			}
		}
		entries = append(entries, newEntry(element, fields))
	}
	return entries
}

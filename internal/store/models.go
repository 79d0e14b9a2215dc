package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is a schemaless record. Values follow encoding/json decoding rules
// (numbers are float64, objects are map[string]any).
type Document map[string]any

// ID returns the document id, or "" when unset.
func (d Document) ID() string {
	if v, ok := d["id"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a deep copy normalized through JSON.
func (d Document) Clone() (Document, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return out, nil
}

// Encode converts a typed value into a Document.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode converts a Document into a typed value.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// DecodeAll converts a slice of Documents into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := Decode(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Prepare normalizes doc for insertion: it is deep-copied, given an id when
// missing and stamped with created/updated times.
func Prepare(doc Document, assignID bool) (Document, error) {
	out, err := doc.Clone()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Document{}
	}
	if out.ID() == "" {
		if !assignID {
			return nil, ErrMissingID
		}
		out["id"] = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, ok := out["created"]; !ok {
		out["created"] = now
	}
	out["updated"] = now
	return out, nil
}

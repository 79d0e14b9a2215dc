package store

import (
	"context"
	"fmt"
)

// Operations accepted by the data proxy.
const (
	OperationGet    = "get"
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
	OperationFind   = "find"
)

// Op is a store call carried over the broker's data proxy.
type Op struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	Arguments OpArgs `json:"arguments"`
}

// OpArgs holds the arguments of every operation; unused fields stay empty.
type OpArgs struct {
	ID        string     `json:"id,omitempty"`
	Doc       Document   `json:"doc,omitempty"`
	Query     Query      `json:"query,omitempty"`
	Modifiers *Modifiers `json:"modifiers,omitempty"`
}

// Dispatch executes op against s. The result is a Document, a slice of
// Documents or nil for delete.
func Dispatch(ctx context.Context, s Store, op Op) (any, error) {
	if op.Table == "" {
		return nil, fmt.Errorf("%w: empty table name", ErrUnknownTable)
	}

	args := op.Arguments
	switch op.Operation {
	case OperationGet:
		return s.Get(ctx, op.Table, args.ID)
	case OperationInsert:
		return s.Insert(ctx, op.Table, args.Doc)
	case OperationUpdate:
		return s.Update(ctx, op.Table, args.Doc)
	case OperationDelete:
		return nil, s.Delete(ctx, op.Table, args.ID)
	case OperationFind:
		var mods []Modifier
		if args.Modifiers != nil {
			mods = append(mods, With(*args.Modifiers))
		}
		docs, err := s.Find(ctx, op.Table, args.Query, mods...)
		if err != nil {
			return nil, err
		}
		if docs == nil {
			docs = []Document{}
		}
		return docs, nil
	default:
		return nil, fmt.Errorf("store: unsupported operation %q", op.Operation)
	}
}

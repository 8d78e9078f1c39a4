package oplog

import (
	"fmt"

	"coedit/cmd/internal/diff"
	v1 "coedit/contracts/sync/v1"
)

// EditToWire converts an edit to the operation-log API shape.
func EditToWire(e diff.Edit) v1.OperationBody {
	return v1.OperationBody{
		Type:     string(e.Kind),
		Position: e.Pos,
		Content:  e.Text,
		Length:   e.Length,
	}
}

// EditFromWire validates and converts an API operation body.
func EditFromWire(b v1.OperationBody) (diff.Edit, error) {
	if b.Position < 0 {
		return diff.Edit{}, fmt.Errorf("%w: negative position", ErrInvalidOperation)
	}

	switch b.Type {
	case v1.OpInsert:
		if b.Content == "" {
			return diff.Edit{}, fmt.Errorf("%w: insert requires content", ErrInvalidOperation)
		}
		return diff.Edit{Kind: diff.Insert, Pos: b.Position, Text: b.Content}, nil
	case v1.OpDelete:
		if b.Length <= 0 {
			return diff.Edit{}, fmt.Errorf("%w: delete requires positive length", ErrInvalidOperation)
		}
		return diff.Edit{Kind: diff.Delete, Pos: b.Position, Length: b.Length}, nil
	case v1.OpReplace:
		if b.Length <= 0 {
			return diff.Edit{}, fmt.Errorf("%w: replace requires positive length", ErrInvalidOperation)
		}
		return diff.Edit{Kind: diff.Replace, Pos: b.Position, Text: b.Content, Length: b.Length}, nil
	default:
		return diff.Edit{}, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, b.Type)
	}
}

// OperationToWire converts a stored operation to its API listing shape.
func OperationToWire(op Operation) v1.LoggedOperation {
	return v1.LoggedOperation{
		OperationID: op.OperationID,
		Operation:   EditToWire(op.Edit),
		UserID:      op.UserID,
		Timestamp:   op.ServerTS,
	}
}

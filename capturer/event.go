package capturer

import (
	"fmt"

	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindOther  Kind = "other"
)

type Relation struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

// Column is one entry of the legacy column-array row format.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

// Message is a decoded logical replication change.
type Message struct {
	Kind     Kind
	Relation Relation

	// New and Old hold either a plain row map or a []Column.
	// - INSERT: New only
	// - UPDATE: New, plus Old when the table has REPLICA IDENTITY FULL
	// - DELETE: Old only
	New any
	Old any

	// Action is the raw plugin action code.
	Action string
}

type wal2jsonChange struct {
	Action   string         `json:"action"`
	Schema   string         `json:"schema"`
	Table    string         `json:"table"`
	Columns  []Column       `json:"columns"`
	Identity []Column       `json:"identity"`
	New      map[string]any `json:"new"`
	Old      map[string]any `json:"old"`
}

// Decode parses one wal2json (format-version 2) change.
func Decode(walData []byte) (*Message, error) {
	var change wal2jsonChange
	if err := jsoncodec.UnmarshalNumbers(walData, &change); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}

	msg := &Message{
		Action:   change.Action,
		Relation: Relation{Schema: change.Schema, Name: change.Table},
	}

	switch change.Action {
	case "I":
		msg.Kind = KindInsert
		msg.New = pickRow(change.New, change.Columns)
	case "U":
		msg.Kind = KindUpdate
		msg.New = pickRow(change.New, change.Columns)
		msg.Old = pickRow(change.Old, change.Identity)
	case "D":
		msg.Kind = KindDelete
		msg.Old = pickRow(change.Old, change.Identity)
	case "B", "C", "T", "M":
		msg.Kind = KindOther
	case "":
		return nil, fmt.Errorf("decode change: missing action")
	default:
		msg.Kind = KindOther
	}

	if msg.Kind != KindOther && msg.Relation.Name == "" {
		return nil, fmt.Errorf("decode change: %s without table", change.Action)
	}

	return msg, nil
}

func pickRow(row map[string]any, columns []Column) any {
	if row != nil {
		return row
	}
	if columns != nil {
		return columns
	}
	return nil
}

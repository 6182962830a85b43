// Package common holds the wire vocabulary shared by the session server
// and clients. Messages are text frames of the form "Tag:<json>".
package common

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ilnaes/gonote/internal/crdt"
)

const (
	TagDocument = "Document"
	TagId       = "Id"
	TagUsers    = "Users"
	TagInsert   = "Insert"
	TagDelete   = "Delete"
	TagCursor   = "Cursor"
)

// Cursor is a participant's reported cursor location.
type Cursor struct {
	Y     float64  `json:"y"`
	Color [3]uint8 `json:"color"`
}

// User is one entry of a participant snapshot. Cursor is nil until the
// participant reports one.
type User struct {
	ID     int     `json:"id"`
	Cursor *Cursor `json:"cursor"`
}

// DocSnapshot is a full point-in-time copy of the document, stamped with
// the site that authored the most recent mutation so receivers can
// suppress their own echo.
type DocSnapshot struct {
	Chars    []crdt.Char `json:"chars"`
	LastEdit int         `json:"last_edit"`
}

// Message is a decoded frame: a known tag and its raw JSON payload.
type Message struct {
	Tag     string
	Payload json.RawMessage
}

// Encode renders a tagged frame.
func Encode(tag string, v interface{}) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(tag+":"), buf...), nil
}

// Decode splits a frame into tag and payload. Whitespace after the colon
// is tolerated. Unknown tags are an error.
func Decode(raw []byte) (Message, error) {
	i := bytes.IndexByte(raw, ':')
	if i < 0 {
		return Message{}, fmt.Errorf("message %q has no tag", raw)
	}
	tag := string(raw[:i])
	switch tag {
	case TagDocument, TagId, TagUsers, TagInsert, TagDelete, TagCursor:
	default:
		return Message{}, fmt.Errorf("unknown message tag %q", tag)
	}
	return Message{Tag: tag, Payload: bytes.TrimSpace(raw[i+1:])}, nil
}

// Package ingest decodes server responses record-by-record from a JSON token
// stream without buffering whole documents. All decoders share one algorithm:
// a nesting-depth counter over the token stream, scalar routing keyed on
// (depth, field name), and an emit when the record object closes directly
// under the keyed root array.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrInvalidPayload is raised when the expected root marker is never
// observed, guarding against unrelated or error-shaped responses.
var ErrInvalidPayload = errors.New("invalid payload: root marker not found")

type walkCallbacks struct {
	// onOpen fires when a container opens. depth is the container's own
	// depth, key its field name in the enclosing object ("" in arrays).
	onOpen func(depth int, key string)
	// onScalar fires for every scalar value. depth is the enclosing
	// container's depth.
	onScalar func(depth int, key string, value json.Token)
	// onClose fires when a container closes, with the container's depth.
	onClose func(depth int)
}

// walk drives a single pass over the token stream.
func walk(r io.Reader, cb walkCallbacks) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	type frame struct {
		object bool
		key    string
		hasKey bool
	}
	var stack []frame

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if len(stack) != 0 {
				return fmt.Errorf("unexpected end of payload")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				var key string
				if len(stack) > 0 {
					top := &stack[len(stack)-1]
					if top.object {
						key = top.key
						top.hasKey = false
					}
				}
				if cb.onOpen != nil {
					cb.onOpen(len(stack)+1, key)
				}
				stack = append(stack, frame{object: t == '{'})
			case '}', ']':
				depth := len(stack)
				stack = stack[:len(stack)-1]
				if cb.onClose != nil {
					cb.onClose(depth)
				}
			}
		default:
			if len(stack) == 0 {
				return fmt.Errorf("malformed payload: scalar at top level")
			}
			top := &stack[len(stack)-1]
			if top.object && !top.hasKey {
				key, ok := tok.(string)
				if !ok {
					return fmt.Errorf("malformed payload: non-string object key")
				}
				top.key = key
				top.hasKey = true
				continue
			}
			var key string
			if top.object {
				key = top.key
				top.hasKey = false
			}
			if cb.onScalar != nil {
				cb.onScalar(len(stack), key, t)
			}
		}
	}
}

func asString(v json.Token) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func asInt64(v json.Token) int64 {
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string, a number, or absent. Numbers keep
// their literal text so ids beyond float64 precision are echoed unchanged.
type RequestID struct {
	str   string
	num   json.Number
	isStr bool
}

// NewRequestID builds an id from a string, an integer, a float or a
// json.Number. Any other value yields an empty id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{str: v, isStr: true}
	case json.Number:
		return &RequestID{num: v}
	case int:
		return &RequestID{num: json.Number(strconv.FormatInt(int64(v), 10))}
	case int32:
		return &RequestID{num: json.Number(strconv.FormatInt(int64(v), 10))}
	case int64:
		return &RequestID{num: json.Number(strconv.FormatInt(v, 10))}
	case uint32:
		return &RequestID{num: json.Number(strconv.FormatUint(uint64(v), 10))}
	case uint64:
		return &RequestID{num: json.Number(strconv.FormatUint(v, 10))}
	case float64:
		return &RequestID{num: json.Number(strconv.FormatFloat(v, 'g', -1, 64))}
	default:
		return &RequestID{}
	}
}

// String returns the id as text; numbers are rendered as received.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.isStr {
		return id.str
	}
	return id.num.String()
}

// IsString reports whether the id was a JSON string.
func (id *RequestID) IsString() bool {
	return id != nil && id.isStr
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || (!id.isStr && id.num == "")
}

// MarshalJSON encodes an empty id as null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(id.num), nil
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*id = RequestID{}

	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		if err := json.Unmarshal(data, &id.str); err != nil {
			return err
		}
		id.isStr = true
		return nil
	}

	if err := json.Unmarshal(data, &id.num); err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", data)
	}
	return nil
}

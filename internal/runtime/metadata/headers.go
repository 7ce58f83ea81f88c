package metadata

import (
	"encoding/base64"

	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

// Header is a single key/value pair carried alongside a message.
type Header struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Headers is an ordered list of headers. Keys are unique: Set replaces an
// existing entry in place instead of appending a duplicate.
type Headers []Header

// New constructs Headers from alternating key/value string pairs.
func New(pairs ...string) Headers {
	h := make(Headers, 0, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h = h.SetString(pairs[i], pairs[i+1])
	}
	return h
}

func (h Headers) index(key string) int {
	for i := range h {
		if h[i].Key == key {
			return i
		}
	}
	return -1
}

// Get returns the raw value for key.
func (h Headers) Get(key string) ([]byte, bool) {
	if i := h.index(key); i >= 0 {
		return h[i].Value, true
	}
	return nil, false
}

// GetString returns the value for key as a string, or "" when missing.
func (h Headers) GetString(key string) string {
	v, _ := h.Get(key)
	return string(v)
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	return h.index(key) >= 0
}

// Set stores value under key, keeping the original position when the key
// already exists. The returned slice must be used in place of h.
func (h Headers) Set(key string, value []byte) Headers {
	if i := h.index(key); i >= 0 {
		h[i].Value = value
		return h
	}
	return append(h, Header{Key: key, Value: value})
}

// SetString is Set for string values.
func (h Headers) SetString(key, value string) Headers {
	return h.Set(key, []byte(value))
}

// Delete removes key while preserving the order of the remaining entries.
func (h Headers) Delete(key string) Headers {
	i := h.index(key)
	if i < 0 {
		return h
	}
	return append(h[:i], h[i+1:]...)
}

// Len returns the number of headers.
func (h Headers) Len() int {
	return len(h)
}

// Clone deep-copies the headers including their values.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	cloned := make(Headers, len(h))
	for i, hdr := range h {
		value := make([]byte, len(hdr.Value))
		copy(value, hdr.Value)
		cloned[i] = Header{Key: hdr.Key, Value: value}
	}
	return cloned
}

// Range calls fn for every header in order until fn returns false.
func (h Headers) Range(fn func(key string, value []byte) bool) {
	for _, hdr := range h {
		if !fn(hdr.Key, hdr.Value) {
			return
		}
	}
}

// Strings flattens the headers into a map. Later duplicates never occur
// because Set keeps keys unique.
func (h Headers) Strings() map[string]string {
	out := make(map[string]string, len(h))
	for _, hdr := range h {
		out[hdr.Key] = string(hdr.Value)
	}
	return out
}

// Encode serialises the headers for durable storage. Values are base64
// encoded so arbitrary bytes survive the JSON round trip.
func (h Headers) Encode() ([]byte, error) {
	if len(h) == 0 {
		return []byte("[]"), nil
	}
	wire := make([]wireHeader, len(h))
	for i, hdr := range h {
		wire[i] = wireHeader{Key: hdr.Key, Value: base64.StdEncoding.EncodeToString(hdr.Value)}
	}
	return jsoncodec.Marshal(wire)
}

// Decode parses headers previously produced by Encode.
func Decode(data []byte) (Headers, error) {
	if len(data) == 0 {
		return Headers{}, nil
	}
	var wire []wireHeader
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	h := make(Headers, 0, len(wire))
	for _, w := range wire {
		value, err := base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return nil, err
		}
		h = h.Set(w.Key, value)
	}
	return h, nil
}

type wireHeader struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

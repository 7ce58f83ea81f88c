package metadata

import (
	"slices"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill converts Watermill metadata into Headers. Watermill metadata is
// an unordered map, so keys are sorted for a stable header order.
func FromWatermill(md message.Metadata) Headers {
	if len(md) == 0 {
		return Headers{}
	}

	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	h := make(Headers, 0, len(md))
	for _, k := range keys {
		h = append(h, Header{Key: k, Value: []byte(md[k])})
	}
	return h
}

// ToWatermill converts Headers into a Watermill metadata map.
func ToWatermill(h Headers) message.Metadata {
	if len(h) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(h))
	for _, hdr := range h {
		wm[hdr.Key] = string(hdr.Value)
	}
	return wm
}

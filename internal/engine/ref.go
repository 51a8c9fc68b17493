package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MetaSampleCount is the metadata key every adapter sets on a prepared ref.
const MetaSampleCount = "sampleCount"

// VoiceRef points at a voice as understood by one engine. The locator is
// opaque outside the engine that produced it. A ref is never edited in
// place; preparing again yields a new ref.
//
// Metadata holds JSON values. Numbers are kept as json.Number, the form
// DecodeVoiceRef produces, so a ref built with NewVoiceRef or WithMetadata
// decodes back to an equal value.
type VoiceRef struct {
	EngineName       string         `json:"engine_name"`
	EmbeddingLocator string         `json:"embedding_locator"`
	Metadata         map[string]any `json:"metadata"`
}

// NewVoiceRef builds a ref with its metadata in transport form.
func NewVoiceRef(engineName, locator string, metadata map[string]any) VoiceRef {
	r := VoiceRef{EngineName: engineName, EmbeddingLocator: locator}
	if metadata != nil {
		r.Metadata = canonicalMap(metadata)
	}
	return r
}

// WithMetadata returns a copy of r with key set to v.
func (r VoiceRef) WithMetadata(key string, v any) VoiceRef {
	meta := make(map[string]any, len(r.Metadata)+1)
	for k, val := range r.Metadata {
		meta[k] = val
	}
	meta[key] = canonical(v)
	r.Metadata = meta
	return r
}

// Encode serializes the ref to its compact transport form.
func (r VoiceRef) Encode() (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", Validationf("encode voice ref: %v", err)
	}
	return string(data), nil
}

// DecodeVoiceRef parses the transport form produced by Encode. Numbers in
// metadata come back as json.Number with their digits intact.
func DecodeVoiceRef(s string) (VoiceRef, error) {
	var r VoiceRef
	if strings.TrimSpace(s) == "" {
		return r, Validationf("voice ref is empty")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return VoiceRef{}, Validationf("malformed voice ref: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return VoiceRef{}, Validationf("malformed voice ref: trailing data")
	}
	if err := r.validate(); err != nil {
		return VoiceRef{}, err
	}
	return r, nil
}

func (r VoiceRef) validate() error {
	if r.EngineName == "" {
		return Validationf("voice ref has no engine name")
	}
	if r.EmbeddingLocator == "" {
		return Validationf("voice ref has no embedding locator")
	}
	return nil
}

// MetadataInt reads an integer metadata value regardless of whether it was
// set in-process or decoded from JSON.
func (r VoiceRef) MetadataInt(key string) (int, bool) {
	switch v := r.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// canonical converts Go numbers to json.Number, descending into maps and
// slices. Other values pass through unchanged.
func canonical(v any) any {
	switch n := v.(type) {
	case int:
		return json.Number(strconv.FormatInt(int64(n), 10))
	case int8:
		return json.Number(strconv.FormatInt(int64(n), 10))
	case int16:
		return json.Number(strconv.FormatInt(int64(n), 10))
	case int32:
		return json.Number(strconv.FormatInt(int64(n), 10))
	case int64:
		return json.Number(strconv.FormatInt(n, 10))
	case uint:
		return json.Number(strconv.FormatUint(uint64(n), 10))
	case uint8:
		return json.Number(strconv.FormatUint(uint64(n), 10))
	case uint16:
		return json.Number(strconv.FormatUint(uint64(n), 10))
	case uint32:
		return json.Number(strconv.FormatUint(uint64(n), 10))
	case uint64:
		return json.Number(strconv.FormatUint(n, 10))
	case float32:
		return json.Number(strconv.FormatFloat(float64(n), 'g', -1, 32))
	case float64:
		return json.Number(strconv.FormatFloat(n, 'g', -1, 64))
	case map[string]any:
		return canonicalMap(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = canonical(e)
		}
		return out
	}
	return v
}

func canonicalMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = canonical(v)
	}
	return out
}

func (r VoiceRef) String() string {
	return fmt.Sprintf("%s:%s", r.EngineName, r.EmbeddingLocator)
}

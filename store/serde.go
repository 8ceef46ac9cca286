package store

import (
	"encoding/json"
	"fmt"

	"github.com/smallnest/checkpointgo/log"
)

// TypeTagJSON tags a blob holding a plain JSON value with no registered
// concrete type.
const TypeTagJSON = "json"

// EncodedChannel is the storable form of one channel: the channel's version
// tag, a type tag, and an opaque blob. Encoding is deterministic, so
// re-encoding an unchanged value is byte-identical and adapters can detect
// no-op writes by comparison.
type EncodedChannel struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
}

// Serde converts channel-keyed snapshots to their storable form and back.
// It is pure and backend-agnostic; every adapter shares one.
type Serde struct {
	registry *TypeRegistry
	logger   log.Logger
}

// NewSerde creates a Serde bound to the global type registry.
func NewSerde() *Serde {
	return &Serde{registry: GlobalTypeRegistry()}
}

// NewSerdeWithRegistry creates a Serde bound to a specific registry.
func NewSerdeWithRegistry(registry *TypeRegistry) *Serde {
	return &Serde{registry: registry}
}

// SetLogger overrides the package-level logger for this Serde's warnings.
func (s *Serde) SetLogger(logger log.Logger) {
	s.logger = logger
}

func (s *Serde) warnf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Warn(format, v...)
		return
	}
	log.Warn(format, v...)
}

// EncodeChannel serializes one channel value, returning its type tag and
// blob.
func (s *Serde) EncodeChannel(value any) (string, []byte, error) {
	if typeName, ok := s.registry.TypeName(value); ok {
		data, err := s.registry.Marshal(value)
		if err != nil {
			return "", nil, err
		}
		return typeName, data, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	return TypeTagJSON, data, nil
}

// Encode serializes a snapshot into per-channel records, tagging each
// channel with its version from versions (first version when absent).
func (s *Serde) Encode(values map[string]any, versions map[string]string) (map[string]EncodedChannel, error) {
	encoded := make(map[string]EncodedChannel, len(values))
	for channel, value := range values {
		typeName, data, err := s.EncodeChannel(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode channel %q: %w", channel, err)
		}

		version := versions[channel]
		if version == "" {
			version = FirstVersion()
		}
		encoded[channel] = EncodedChannel{Version: version, Type: typeName, Data: data}
	}
	return encoded, nil
}

// DecodeChannel deserializes one channel blob. An unrecognized type tag
// yields a *CodecError.
func (s *Serde) DecodeChannel(channel string, enc EncodedChannel) (any, error) {
	if enc.Type == TypeTagJSON || enc.Type == "" {
		var value any
		if err := json.Unmarshal(enc.Data, &value); err != nil {
			return nil, &CodecError{Channel: channel, TypeName: enc.Type, Err: err}
		}
		return value, nil
	}

	if !s.registry.Known(enc.Type) {
		return nil, &CodecError{Channel: channel, TypeName: enc.Type}
	}

	value, err := s.registry.Unmarshal(enc.Type, enc.Data)
	if err != nil {
		return nil, &CodecError{Channel: channel, TypeName: enc.Type, Err: err}
	}
	return value, nil
}

// Decode deserializes a full per-channel snapshot. Channels that fail to
// decode are dropped with a warning and reported in the returned slice;
// decoding never fails as a whole, so adding a new channel type in one
// deployment cannot corrupt threads read by an older one.
func (s *Serde) Decode(channels map[string]EncodedChannel) (map[string]any, []*CodecError) {
	values := make(map[string]any, len(channels))
	var warnings []*CodecError

	for channel, enc := range channels {
		value, err := s.DecodeChannel(channel, enc)
		if err != nil {
			var codecErr *CodecError
			if ce, ok := err.(*CodecError); ok {
				codecErr = ce
			} else {
				codecErr = &CodecError{Channel: channel, TypeName: enc.Type, Err: err}
			}
			warnings = append(warnings, codecErr)
			s.warnf("dropping channel %q: %v", channel, codecErr)
			continue
		}
		values[channel] = value
	}
	return values, warnings
}

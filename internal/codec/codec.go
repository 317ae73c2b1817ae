// Package codec is the injected boundary between opaque model values and the
// generic tree-shaped mapping the diff engine operates on. Encoding and
// decoding failures never propagate: encode degrades to an empty mapping and
// decode reports absence, both logged at debug level. Callers must be aware
// this explicit silent degrade can mask data loss.
package codec

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/vk/deltastore/internal/ctxlog"
	"github.com/vk/deltastore/internal/mapping"
)

// Codec turns a model value into a tree-shaped mapping and back.
type Codec[M any] interface {
	// Encode produces the mapping for a model snapshot.
	Encode(m M) (cty.Value, error)
	// Decode rebuilds a model from a mapping. The error says why the
	// mapping does not describe a valid model.
	Decode(v cty.Value) (M, error)
}

// EncodeOrEmpty encodes the model, degrading to the empty object mapping on
// failure.
func EncodeOrEmpty[M any](ctx context.Context, c Codec[M], m M) cty.Value {
	v, err := c.Encode(m)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Model encoding failed, degrading to empty mapping.", "error", err)
		return cty.EmptyObjectVal
	}
	return v
}

// EncodeFlat is Flatten(Encode(m)) with the same degrade behavior.
func EncodeFlat[M any](ctx context.Context, c Codec[M], m M) mapping.Flat {
	return mapping.Flatten(EncodeOrEmpty(ctx, c, m))
}

// DecodeOrAbsent decodes the mapping, degrading to absence on failure.
func DecodeOrAbsent[M any](ctx context.Context, c Codec[M], v cty.Value) (M, bool) {
	m, err := c.Decode(v)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("Model decoding failed, treating mapping as absent.", "error", err)
		return m, false
	}
	return m, true
}

// Reflect is the default codec. It derives the mapping shape from the model's
// Go type via gocty, so struct models declare their keys with `cty:"..."`
// field tags. A model that already is a cty.Value passes through untouched.
type Reflect[M any] struct{}

// Encode implements Codec.
func (Reflect[M]) Encode(m M) (cty.Value, error) {
	if v, ok := any(m).(cty.Value); ok {
		return v, nil
	}
	ty, err := gocty.ImpliedType(m)
	if err != nil {
		return cty.NilVal, fmt.Errorf("implying mapping type: %w", err)
	}
	v, err := gocty.ToCtyValue(m, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("encoding model: %w", err)
	}
	return v, nil
}

// Decode implements Codec.
func (Reflect[M]) Decode(v cty.Value) (M, error) {
	var m M
	if pv, ok := any(&m).(*cty.Value); ok {
		*pv = v
		return m, nil
	}
	if err := gocty.FromCtyValue(v, &m); err != nil {
		return m, fmt.Errorf("decoding model: %w", err)
	}
	return m, nil
}

package checkpoint

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Core deterministic encoding sorts map keys, so equal states always hash
// to the same digest.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("checkpoint: cbor decoder: " + err.Error())
	}
}

func initZstd() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder: " + err.Error())
	}
}

// Canonical returns the deterministic CBOR encoding of a state map.
func Canonical(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	data, err := encMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// Digest is the hex BLAKE3-256 of the canonical encoding.
func Digest(state map[string]any) (string, error) {
	data, err := Canonical(state)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeState produces the compressed blob stored by persistent savers.
func EncodeState(state map[string]any) ([]byte, error) {
	data, err := Canonical(state)
	if err != nil {
		return nil, err
	}
	zstdOnce.Do(initZstd)
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func DecodeState(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	zstdOnce.Do(initZstd)
	data, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing state: %w", err)
	}
	var state map[string]any
	if err := decMode.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return normalize(state).(map[string]any), nil
}

// normalize turns CBOR integer types back into the shapes the rest of the
// code expects: int for whole numbers and []any / map[string]any for
// containers.
func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, inner := range typed {
			typed[key] = normalize(inner)
		}
		return typed
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[fmt.Sprint(key)] = normalize(inner)
		}
		return out
	case []any:
		for i, inner := range typed {
			typed[i] = normalize(inner)
		}
		return typed
	case uint64:
		return int(typed)
	case int64:
		return int(typed)
	default:
		return value
	}
}

// CloneState deep-copies a state through its canonical encoding, so the
// copy has the same value shapes a persistent saver would hand back.
func CloneState(state map[string]any) (map[string]any, error) {
	data, err := Canonical(state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return normalize(out).(map[string]any), nil
}

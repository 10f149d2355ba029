// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// NormalizePayload converts driver values into JSON-native values so that a
// payload hashes identically before and after a wire round trip.
func NormalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, json.Number:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return strings.ToLower(hex.EncodeToString(x))
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case map[string]any:
		return NormalizePayload(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}

// canonicalJSON renders a payload with sorted keys. encoding/json already sorts
// map keys; numbers are written through json.Number so integers never pass
// through float64.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, x[i]); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case json.Number:
		// 3 and 3.0 must hash the same on both sides of the wire.
		if i, err := x.Int64(); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
		} else if f, err := x.Float64(); err == nil {
			return writeCanonical(buf, f)
		} else {
			buf.WriteString(x.String())
		}
	case float64:
		// encoding/json writes whole floats as digits, which arrive as integers.
		if x >= -(1<<63) && x < 1<<63 && x == math.Trunc(x) {
			buf.WriteString(strconv.FormatInt(int64(x), 10))
		} else {
			buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	default:
		b, err := json.Marshal(normalizeValue(x))
		if err != nil {
			return fmt.Errorf("failed to encode payload value: %w", err)
		}
		buf.Write(b)
	}
	return nil
}

// ContentHash is the blake3 digest of the canonical payload encoding.
func ContentHash(payload map[string]any) (string, error) {
	data, err := canonicalJSON(NormalizePayload(payload))
	if err != nil {
		return "", err
	}
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// BatchChecksum hashes a batch independent of its order.
func BatchChecksum(changes []ChangeRecord) string {
	lines := make([]string, len(changes))
	for i := range changes {
		c := &changes[i]
		lines[i] = c.TableName + "|" + c.RecordID + "|" + string(c.Operation) + "|" + c.ContentHash
	}
	sort.Strings(lines)
	hasher := blake3.New()
	for _, l := range lines {
		hasher.Write([]byte(l))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// decodePayload parses a JSON object keeping numbers exact.
func decodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

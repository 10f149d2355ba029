// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

func isHexStringValue(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func tryDecodeBase64Exact(s string) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	// Avoid treating arbitrary strings as base64: ensure round-trip equality.
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, false
	}
	return decoded, true
}

// decodeBlobBytesFromString accepts the hex form produced by capture, plus UUID
// strings and exact base64 written by older peers.
func decodeBlobBytesFromString(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}

	hs := strings.TrimSpace(s)
	if len(hs)%2 == 0 && isHexStringValue(hs) {
		if decoded, err := hex.DecodeString(hs); err == nil {
			return decoded, nil
		}
	}

	if parsed, err := uuid.Parse(s); err == nil {
		b := parsed[:]
		return b, nil
	}

	if decoded, ok := tryDecodeBase64Exact(s); ok {
		return decoded, nil
	}

	return nil, fmt.Errorf("invalid blob encoding")
}

// sqlArg converts a payload value into something the SQLite driver binds
// with the same affinity the row was captured with.
func sqlArg(col *ColumnInfo, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if col != nil && col.IsBlob() {
		if s, ok := v.(string); ok {
			b, err := decodeBlobBytesFromString(s)
			if err != nil {
				return nil, fmt.Errorf("failed to decode blob column %s: %w", col.Name, err)
			}
			return b, nil
		}
	}
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		if f, err := x.Float64(); err == nil {
			return f, nil
		}
		return x.String(), nil
	case float64:
		if x == float64(int64(x)) && col != nil && col.IsInteger() {
			return int64(x), nil
		}
		return x, nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return x, nil
	}
}

// recordIDString renders a key value the same way on every peer.
func recordIDString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return strings.ToLower(hex.EncodeToString(x))
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// compositeSep joins the values of multi-column primary keys into one record id.
const compositeSep = "|"

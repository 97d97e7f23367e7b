package cube

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// hashVersion pins the canonical encoding so row identifiers stay
// reproducible across releases and runtimes. Bump only with a migration.
const hashVersion = "cube.v1"

// hashValues computes the content hash over an ordered value sequence.
// Used for dimension member keys, where attribute order is fixed by the
// model declaration.
func hashValues(values ...any) string {
	var buf bytes.Buffer
	buf.WriteString(hashVersion)
	buf.WriteString(";")
	for _, val := range values {
		encodeCanonical(&buf, val)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// hashRecord computes the content hash of a full raw record. Map keys are
// sorted during encoding, so two records with identical logical content but
// different key order hash to the same identifier.
func hashRecord(record map[string]any) string {
	var buf bytes.Buffer
	buf.WriteString(hashVersion)
	buf.WriteString(";")
	encodeCanonical(&buf, record)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// encodeCanonical writes a length-delimited, type-tagged encoding of val.
// Format per scalar: typeTag + ":" + length + ":" + payload. Maps and slices
// recurse with their own tags; map keys are stable-sorted.
func encodeCanonical(buf *bytes.Buffer, val any) {
	if val == nil {
		buf.WriteString("nil:0:")
		return
	}

	switch v := val.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(buf, "map:%d:", len(keys))
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:%s:", len(k), k)
			encodeCanonical(buf, v[k])
		}
		return
	case []any:
		fmt.Fprintf(buf, "list:%d:", len(v))
		for _, item := range v {
			encodeCanonical(buf, item)
		}
		return
	}

	valType := reflect.TypeOf(val)
	typeTag := valType.String()

	var payload []byte
	switch v := val.(type) {
	case string:
		payload = []byte(v)
	case int, int8, int16, int32, int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
		payload = b[:]
	case uint, uint8, uint16, uint32, uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
		payload = b[:]
	case float32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
		payload = b[:]
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		payload = b[:]
	case bool:
		if v {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case time.Time:
		payload = []byte(v.UTC().Format(time.RFC3339Nano))
	default:
		// Fallback for unknown types; stable as long as the type's
		// string rendering is.
		payload = []byte(fmt.Sprintf("%v", v))
	}

	buf.WriteString(typeTag)
	buf.WriteString(":")
	fmt.Fprintf(buf, "%d", len(payload))
	buf.WriteString(":")
	buf.Write(payload)
}

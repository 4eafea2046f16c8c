// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"fmt"
	"strconv"
)

// Well-known type OIDs, named the way github.com/lib/pq's internal oid
// package names them (T_bool, T_int4, ...) even though PGCORE does not
// import that package directly for these constants: see DESIGN.md for
// why PGCORE cannot sit on top of lib/pq's database/sql driver while
// still cross-checking its OID table against lib/pq's.
const (
	oidBool    = 16
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidOID     = 26
	oidXID     = 28
	oidFloat4  = 700
	oidFloat8  = 701
	oidXID8    = 5069
	oidUnknown = 0
)

// sqlType classifies an output OID into the fast-path conversion buckets
// from original_source/src/pgeff.c's pgeff_sqltype: PGEFF_SQLTYPE_BOOL,
// PGEFF_SQLTYPE_INT and PGEFF_SQLTYPE_FLOAT, else "other" (raw text).
type sqlType int

const (
	sqlOther sqlType = iota
	sqlBool
	sqlInt
	sqlFloat
)

func classifyOID(oid uint32) sqlType {
	switch oid {
	case oidBool:
		return sqlBool
	case oidInt8, oidInt2, oidInt4, oidOID, oidXID, oidXID8:
		return sqlInt
	case oidFloat4, oidFloat8:
		return sqlFloat
	default:
		return sqlOther
	}
}

// OutputConverter converts one column's raw text value (already known
// non-NULL) for the given OID into a Go value. A nil return with ok=false
// defers to PGCORE's built-in bool/int/float fast paths, then to the raw
// string.
type OutputConverter func(oid uint32, raw string) (value any, ok bool)

// convertOutput applies the per-connection converter first, then the
// module-wide DefaultOutputConverter, then the built-in fast paths,
// exactly mirroring pgeff_query_cont's output_converters table lookup
// followed by its inline bool/int/float switch.
func convertOutput(c *Conn, oid uint32, raw string) any {
	if c.OutputConverter != nil {
		if v, ok := c.OutputConverter(oid, raw); ok {
			return v
		}
	}
	if DefaultOutputConverter != nil {
		if v, ok := DefaultOutputConverter(oid, raw); ok {
			return v
		}
	}
	switch classifyOID(oid) {
	case sqlBool:
		return raw == "t"
	case sqlInt:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
		return raw
	case sqlFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	default:
		return raw
	}
}

// DefaultOutputConverter is the module-wide override hook, mirroring
// pgeff's module-level "output_converters" field. Conn.OutputConverter
// takes precedence when both are set.
var DefaultOutputConverter OutputConverter

// InputConverter maps a Go parameter value to its wire OID and textual
// representation before send_query serializes it. A nil return with
// ok=false defers to PGCORE's built-in bool fast path, then to
// fmt.Sprint-style stringification.
type InputConverter func(v any) (oid uint32, text string, isNull bool, ok bool)

// DefaultInputConverter is the module-wide override hook, mirroring
// pgeff's module-level "input_converter" field. Conn.InputConverter
// takes precedence when both are set.
var DefaultInputConverter InputConverter

// encodeParam turns a send_query argument into its wire (oid, text,
// isNull) triple. nil is SQL NULL. The per-connection, then the
// module-wide input converter is tried first; failing those, booleans
// get native OID 16 with "t"/"f" and everything else is OID 0
// (server-inferred) with a textual string, matching pgeff_query's
// switch on lua_type.
func encodeParam(c *Conn, v any) (oid uint32, text string, isNull bool) {
	if v == nil {
		return oidUnknown, "", true
	}
	if conv := c.InputConverter; conv != nil {
		if o, t, null, ok := conv(v); ok {
			return o, t, null
		}
	}
	if DefaultInputConverter != nil {
		if o, t, null, ok := DefaultInputConverter(v); ok {
			return o, t, null
		}
	}
	if b, ok := v.(bool); ok {
		if b {
			return oidBool, "t", false
		}
		return oidBool, "f", false
	}
	return stringifyParam(v)
}

func stringifyParam(v any) (oid uint32, text string, isNull bool) {
	switch x := v.(type) {
	case string:
		return oidUnknown, x, false
	case []byte:
		return oidUnknown, string(x), false
	case int:
		return oidUnknown, strconv.Itoa(x), false
	case int32:
		return oidUnknown, strconv.FormatInt(int64(x), 10), false
	case int64:
		return oidUnknown, strconv.FormatInt(x, 10), false
	case float32:
		return oidUnknown, strconv.FormatFloat(float64(x), 'g', -1, 32), false
	case float64:
		return oidUnknown, strconv.FormatFloat(x, 'g', -1, 64), false
	default:
		// Matches luaL_tolstring's "stringify anything" default in
		// pgeff_query for values with no more specific fast path.
		return oidUnknown, fmt.Sprint(v), false
	}
}

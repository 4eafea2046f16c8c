// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyOID(t *testing.T) {
	assert.Equal(t, sqlBool, classifyOID(oidBool))
	assert.Equal(t, sqlInt, classifyOID(oidInt4))
	assert.Equal(t, sqlInt, classifyOID(oidInt8))
	assert.Equal(t, sqlFloat, classifyOID(oidFloat8))
	assert.Equal(t, sqlOther, classifyOID(25)) // text OID, not fast-pathed
}

func TestConvertOutputFastPaths(t *testing.T) {
	c := &Conn{}
	assert.Equal(t, true, convertOutput(c, oidBool, "t"))
	assert.Equal(t, false, convertOutput(c, oidBool, "f"))
	assert.Equal(t, int64(42), convertOutput(c, oidInt4, "42"))
	assert.Equal(t, 3.5, convertOutput(c, oidFloat8, "3.5"))
	assert.Equal(t, "hello", convertOutput(c, 25, "hello"))
}

func TestConvertOutputPerConnectionOverrideWins(t *testing.T) {
	c := &Conn{
		OutputConverter: func(oid uint32, raw string) (any, bool) {
			if oid == oidInt4 {
				return "overridden:" + raw, true
			}
			return nil, false
		},
	}
	assert.Equal(t, "overridden:7", convertOutput(c, oidInt4, "7"))
	// falls through to the fast path when the override declines
	assert.Equal(t, 3.5, convertOutput(c, oidFloat8, "3.5"))
}

func TestConvertOutputDefaultConverterAppliesWhenNoPerConnOverride(t *testing.T) {
	old := DefaultOutputConverter
	defer func() { DefaultOutputConverter = old }()
	DefaultOutputConverter = func(oid uint32, raw string) (any, bool) {
		return "default:" + raw, true
	}
	c := &Conn{}
	assert.Equal(t, "default:9", convertOutput(c, oidInt4, "9"))
}

func TestEncodeParamBooleanIsNativeOID(t *testing.T) {
	c := &Conn{}
	oid, text, isNull := encodeParam(c, true)
	assert.Equal(t, uint32(oidBool), oid)
	assert.Equal(t, "t", text)
	assert.False(t, isNull)

	oid, text, isNull = encodeParam(c, false)
	assert.Equal(t, uint32(oidBool), oid)
	assert.Equal(t, "f", text)
	assert.False(t, isNull)
}

func TestEncodeParamNilIsNull(t *testing.T) {
	c := &Conn{}
	oid, text, isNull := encodeParam(c, nil)
	assert.Equal(t, uint32(oidUnknown), oid)
	assert.Equal(t, "", text)
	assert.True(t, isNull)
}

func TestEncodeParamStringifiesOtherTypes(t *testing.T) {
	c := &Conn{}
	_, text, _ := encodeParam(c, 42)
	assert.Equal(t, "42", text)

	_, text, _ = encodeParam(c, "already-text")
	assert.Equal(t, "already-text", text)

	_, text, _ = encodeParam(c, int64(99))
	assert.Equal(t, "99", text)
}

func TestEncodeParamInputConverterOverride(t *testing.T) {
	c := &Conn{
		InputConverter: func(v any) (uint32, string, bool, bool) {
			return oidInt4, "custom", false, true
		},
	}
	oid, text, isNull := encodeParam(c, "anything")
	assert.Equal(t, uint32(oidInt4), oid)
	assert.Equal(t, "custom", text)
	assert.False(t, isNull)
}

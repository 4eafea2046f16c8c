// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowDescriptionBody(cols []Column) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(len(cols)))
	for _, c := range cols {
		body = append(body, []byte(c.Name)...)
		body = append(body, 0)
		body = append(body, 0, 0, 0, 0) // table OID
		body = append(body, 0, 0)       // column attnum
		var oidB [4]byte
		binary.BigEndian.PutUint32(oidB[:], c.OID)
		body = append(body, oidB[:]...)
		body = append(body, 0, 0)       // type size
		body = append(body, 0, 0, 0, 0) // type modifier
		body = append(body, 0, 0)       // format code
	}
	return body
}

func dataRowBody(values []rawValue) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(len(values)))
	for _, v := range values {
		if v.isNull {
			body = append(body, 0xff, 0xff, 0xff, 0xff)
			continue
		}
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v.text)))
		body = append(body, l[:]...)
		body = append(body, v.text...)
	}
	return body
}

func TestParseRowDescriptionRoundTrip(t *testing.T) {
	want := []Column{{Name: "id", OID: oidInt4}, {Name: "name", OID: 25}}
	got := parseRowDescription(rowDescriptionBody(want))
	require.Len(t, got, 2)
	assert.Equal(t, want, got)
}

func TestParseDataRowHandlesNullsAndValues(t *testing.T) {
	body := dataRowBody([]rawValue{{text: "7"}, {isNull: true}, {text: "hi"}})
	got := parseDataRow(body)
	require.Len(t, got, 3)
	assert.Equal(t, "7", got[0].text)
	assert.True(t, got[1].isNull)
	assert.Equal(t, "hi", got[2].text)
}

func TestBuildResultIndexesColumnsByNameAndPosition(t *testing.T) {
	desc := []Column{{Name: "id", OID: oidInt4}, {Name: "label", OID: 25}}
	raw := [][]rawValue{
		{{text: "1"}, {text: "alpha"}},
		{{isNull: true}, {text: "beta"}},
	}
	c := &Conn{}
	result := buildResult(c, desc, raw)
	require.Len(t, result.Rows, 2)

	row0 := result.Rows[0]
	assert.Equal(t, int64(1), row0.At(1))
	assert.Equal(t, "alpha", row0.By("label"))

	row1 := result.Rows[1]
	assert.Nil(t, row1.At(1))
	assert.Equal(t, "beta", row1.By("label"))

	assert.Nil(t, row0.At(0))   // out of range, 1-based
	assert.Nil(t, row0.At(99))  // out of range
	assert.Nil(t, row0.By("nope"))
}

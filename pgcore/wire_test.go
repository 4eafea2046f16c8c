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

func TestWireBufNextFramesOneAtATime(t *testing.T) {
	w := newWireBuf()
	frame1 := frontendMsg(tagCommandComplete, []byte("hi"))
	frame2 := frontendMsg(tagReadyForQuery, []byte("I"))

	space := w.buf.AppendSpace(len(frame1))
	copy(space, frame1)
	w.buf.Advance(len(frame1))

	msg, ok := w.next()
	require.True(t, ok)
	assert.Equal(t, byte(tagCommandComplete), msg.tag)
	assert.Equal(t, "hi", string(msg.body))

	_, ok = w.next()
	assert.False(t, ok)

	space = w.buf.AppendSpace(len(frame2))
	copy(space, frame2)
	w.buf.Advance(len(frame2))

	msg, ok = w.next()
	require.True(t, ok)
	assert.Equal(t, byte(tagReadyForQuery), msg.tag)
	assert.Equal(t, "I", string(msg.body))
}

func TestWireBufNextWaitsForFullFrame(t *testing.T) {
	w := newWireBuf()
	full := frontendMsg(tagRowDescription, []byte("0123456789"))

	space := w.buf.AppendSpace(6)
	copy(space, full[:6])
	w.buf.Advance(6)

	_, ok := w.next()
	assert.False(t, ok, "a partial frame must not be returned")

	rest := full[6:]
	space = w.buf.AppendSpace(len(rest))
	copy(space, rest)
	w.buf.Advance(len(rest))

	msg, ok := w.next()
	require.True(t, ok)
	assert.Equal(t, full[5:], msg.body)
}

func TestWireBufPeekTagDoesNotConsume(t *testing.T) {
	w := newWireBuf()
	frame := frontendMsg(tagNotificationResp, []byte("payload"))
	space := w.buf.AppendSpace(len(frame))
	copy(space, frame)
	w.buf.Advance(len(frame))

	tag, ok := w.peekTag()
	require.True(t, ok)
	assert.Equal(t, byte(tagNotificationResp), tag)

	// peeking again must not have consumed anything
	tag, ok = w.peekTag()
	require.True(t, ok)
	assert.Equal(t, byte(tagNotificationResp), tag)

	msg, ok := w.next()
	require.True(t, ok)
	assert.Equal(t, "payload", string(msg.body))
}

func TestWireBufPeekTagFalseOnShortHeader(t *testing.T) {
	w := newWireBuf()
	space := w.buf.AppendSpace(3)
	copy(space, []byte{tagReadyForQuery, 0, 0})
	w.buf.Advance(3)

	_, ok := w.peekTag()
	assert.False(t, ok)
}

func TestStartupMsgEncodesProtocolVersionAndParams(t *testing.T) {
	body := startupMsg(map[string]string{"user": "alice"})
	length := binary.BigEndian.Uint32(body[0:4])
	assert.Equal(t, int(length), len(body))
	assert.Equal(t, []byte{0, 3, 0, 0}, body[4:8])
	assert.Contains(t, string(body), "user\x00alice\x00")
	assert.Equal(t, byte(0), body[len(body)-1])
}

func TestMD5PasswordMatchesKnownVector(t *testing.T) {
	got := md5Password("alice", "secret", [4]byte{1, 2, 3, 4})
	assert.Len(t, got, 35) // "md5" + 32 hex chars
	assert.Equal(t, "md5", got[:3])
	assert.Equal(t, "md598a0412b9c31436fc53776e863350083", got)

	// same inputs must be deterministic
	again := md5Password("alice", "secret", [4]byte{1, 2, 3, 4})
	assert.Equal(t, got, again)

	// a different salt must change the digest
	other := md5Password("alice", "secret", [4]byte{1, 2, 3, 5})
	assert.NotEqual(t, got, other)
}

func TestBuildExtendedQueryRoundTripsFrames(t *testing.T) {
	payload := buildExtendedQuery("select $1", []uint32{oidInt4}, []string{"7"}, []bool{false}, true)

	w := newWireBuf()
	space := w.buf.AppendSpace(len(payload))
	copy(space, payload)
	w.buf.Advance(len(payload))

	var tags []byte
	for {
		msg, ok := w.next()
		if !ok {
			break
		}
		tags = append(tags, msg.tag)
	}
	assert.Equal(t, []byte{feParse, feBind, feDescribe, feExecute, feSync}, tags)
}

func TestBuildExtendedQueryOmitsSyncWhenNotRequested(t *testing.T) {
	payload := buildExtendedQuery("select 1", nil, nil, nil, false)
	w := newWireBuf()
	space := w.buf.AppendSpace(len(payload))
	copy(space, payload)
	w.buf.Advance(len(payload))

	var tags []byte
	for {
		msg, ok := w.next()
		if !ok {
			break
		}
		tags = append(tags, msg.tag)
	}
	assert.NotContains(t, tags, byte(feSync))
}

func TestParseErrorFieldsDecodesAndTrimsNewline(t *testing.T) {
	body := []byte{}
	body = append(body, 'M')
	body = append(body, []byte("boom\n")...)
	body = append(body, 0)
	body = append(body, 'C')
	body = append(body, []byte("42601")...)
	body = append(body, 0)
	body = append(body, 0)

	fields := parseErrorFields(body)
	assert.Equal(t, "boom", fields["M"])
	assert.Equal(t, "42601", fields["C"])
}

func TestBindBodyEncodesNullParameter(t *testing.T) {
	body := bindBody([]string{"", "x"}, []bool{true, false})
	// after the two c-string portal/statement names and the format-code
	// count, the first param length field must be -1 (0xffffffff).
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, body[6:10])
	assert.Contains(t, string(body), "x")
}

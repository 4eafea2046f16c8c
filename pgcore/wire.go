// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"crypto/md5" //nolint:gosec // PostgreSQL's wire-protocol MD5 auth method is fixed by the server, not a security choice of this client.
	"encoding/binary"
	"fmt"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/internal/buffer"
	"github.com/loopkit/evcore/stream"
)

// message is one decoded backend (server-to-client) wire message: a
// single-byte type tag plus its body, framed as tag + int32 length
// (length field includes itself but not the tag) + body, matching the
// PostgreSQL frontend/backend protocol PGCORE speaks directly instead of
// going through libpq (see DESIGN.md).
type message struct {
	tag  byte
	body []byte
}

// Backend message tags actually handled by PGCORE's reader.
const (
	tagAuth             = 'R'
	tagParameterStatus  = 'S'
	tagBackendKeyData   = 'K'
	tagReadyForQuery    = 'Z'
	tagRowDescription   = 'T'
	tagDataRow          = 'D'
	tagCommandComplete  = 'C'
	tagEmptyQueryResp   = 'I'
	tagErrorResponse    = 'E'
	tagNoticeResponse   = 'N'
	tagNotificationResp = 'A'
	tagParseComplete    = '1'
	tagBindComplete     = '2'
	tagParamDescription = 't'
	tagNoData           = 'n'
)

// Frontend message tags PGCORE emits.
const (
	feParse    = 'P'
	feBind     = 'B'
	feDescribe = 'D'
	feExecute  = 'E'
	feSync     = 'S'
	feTerminate = 'X'
	fePassword  = 'p'
)

// wireBuf is the per-connection inbound byte accumulator: raw bytes
// arriving off the socket are appended here and parsed into framed
// messages only as complete frames become available, mirroring STREAM's
// own buffered-read cursor discipline (internal/buffer.Buf) without
// reusing STREAM's terminator-scan path, which only understands
// single-byte terminators and cannot frame PostgreSQL's length-prefixed
// messages.
type wireBuf struct {
	buf *buffer.Buf
}

func newWireBuf() *wireBuf {
	return &wireBuf{buf: buffer.New()}
}

// fill issues one non-blocking Read on h and appends whatever arrived.
// It returns gotData=false with err=nil when the read would have
// blocked (the caller is expected to suspend via Select), matching
// STREAM's "empty, non-error result means try again later" convention.
func (w *wireBuf) fill(h *stream.Handle) (gotData bool, err error) {
	data, eof, err := h.Read(buffer.Chunk)
	if err != nil {
		return false, err
	}
	if eof {
		return false, errs.New(errs.IoError, "connection closed by peer")
	}
	if len(data) == 0 {
		return false, nil
	}
	space := w.buf.AppendSpace(len(data))
	copy(space, data)
	w.buf.Advance(len(data))
	return true, nil
}

// peekTag reports the tag byte of the next frame without consuming it,
// or ok=false if not even a header is buffered yet.
func (w *wireBuf) peekTag() (tag byte, ok bool) {
	avail := w.buf.Bytes()
	if len(avail) < 5 {
		return 0, false
	}
	return avail[0], true
}

// next pops one complete frame off the front of the buffer, if present.
func (w *wireBuf) next() (message, bool) {
	avail := w.buf.Bytes()
	if len(avail) < 5 {
		return message{}, false
	}
	length := int(binary.BigEndian.Uint32(avail[1:5]))
	total := 1 + length
	if len(avail) < total {
		return message{}, false
	}
	body := make([]byte, length-4)
	copy(body, avail[5:total])
	tag := avail[0]
	w.buf.Take(total)
	return message{tag: tag, body: body}, true
}

// frontendMsg builds one length-prefixed frontend message with tag t and
// body, returning the bytes ready to hand to stream.Handle.WriteBuffered.
func frontendMsg(t byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, t)
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(4+len(body)))
	out = append(out, lenField[:]...)
	out = append(out, body...)
	return out
}

func cString(s string) []byte {
	return append([]byte(s), 0)
}

// startupMsg builds the untagged StartupMessage: length + protocol
// version 3.0 + null-terminated key/value pairs + a final null byte.
func startupMsg(params map[string]string) []byte {
	body := make([]byte, 0, 64)
	body = append(body, 0, 3, 0, 0) // protocol version 3.0
	for k, v := range params {
		body = append(body, cString(k)...)
		body = append(body, cString(v)...)
	}
	body = append(body, 0)
	out := make([]byte, 0, 4+len(body))
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(4+len(body)))
	out = append(out, lenField[:]...)
	out = append(out, body...)
	return out
}

func passwordMsg(password string) []byte {
	return frontendMsg(fePassword, cString(password))
}

// md5Password implements PostgreSQL's MD5 challenge: "md5" +
// md5(md5(password+user)+salt), hex-encoded, the same derivation
// github.com/lib/pq's conn.go uses for AuthenticationMD5Password.
func md5Password(user, password string, salt [4]byte) string {
	step1 := md5Hex(password + user)
	step2 := md5Hex(step1 + string(salt[:]))
	return "md5" + step2
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // see import comment
	return fmt.Sprintf("%x", sum)
}

// buildExtendedQuery builds Parse(unnamed) + Bind(unnamed portal,
// unnamed stmt) + Describe(portal) + Execute(unlimited), plus Sync when
// withSync is set, as one coalesced frontend payload, the extended-query sequence send_query/send_sync
// pipeline on top of (grounded on pgeff_query's PQsendQueryParams call,
// expanded into raw wire messages since PGCORE does not link libpq).
func buildExtendedQuery(sql string, paramOIDs []uint32, paramTexts []string, paramIsNull []bool, withSync bool) []byte {
	var out []byte
	out = append(out, frontendMsg(feParse, parseBody(sql, paramOIDs))...)
	out = append(out, frontendMsg(feBind, bindBody(paramTexts, paramIsNull))...)
	out = append(out, frontendMsg(feDescribe, append([]byte{'P'}, 0))...)
	out = append(out, frontendMsg(feExecute, executeBody())...)
	if withSync {
		out = append(out, frontendMsg(feSync, nil)...)
	}
	return out
}

func parseBody(sql string, oids []uint32) []byte {
	body := make([]byte, 0, len(sql)+8)
	body = append(body, cString("")...) // unnamed statement
	body = append(body, cString(sql)...)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(oids)))
	body = append(body, n[:]...)
	for _, oid := range oids {
		var o [4]byte
		binary.BigEndian.PutUint32(o[:], oid)
		body = append(body, o[:]...)
	}
	return body
}

func bindBody(texts []string, isNull []bool) []byte {
	body := make([]byte, 0, 32)
	body = append(body, cString("")...) // unnamed portal
	body = append(body, cString("")...) // unnamed statement
	body = append(body, 0, 0)           // 0 parameter format codes => all text
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(texts)))
	body = append(body, n[:]...)
	for i, t := range texts {
		if isNull[i] {
			body = append(body, 0xff, 0xff, 0xff, 0xff) // -1 length == NULL
			continue
		}
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(t)))
		body = append(body, l[:]...)
		body = append(body, t...)
	}
	body = append(body, 0, 0) // 0 result format codes => all text
	return body
}

func executeBody() []byte {
	body := make([]byte, 0, 5)
	body = append(body, cString("")...) // unnamed portal
	body = append(body, 0, 0, 0, 0)     // no row limit
	return body
}

// parseErrorFields decodes an ErrorResponse/NoticeResponse body: a
// sequence of (1-byte field code, null-terminated string) pairs
// terminated by a zero byte. Field codes follow PG_DIAG_* from
// postgres_ext.h; "M" is the human-readable message, "C" the SQLSTATE.
func parseErrorFields(body []byte) map[string]string {
	fields := make(map[string]string)
	i := 0
	for i < len(body) && body[i] != 0 {
		code := body[i]
		i++
		start := i
		for i < len(body) && body[i] != 0 {
			i++
		}
		fields[string(code)] = trimTrailingNewline(string(body[start:i]))
		i++ // skip the string's terminating NUL
	}
	return fields
}

// trimTrailingNewline mirrors pgeff_push_string_trim: libpq's own error
// and notice strings are newline-terminated, and a faithful
// reimplementation should not leak that formatting detail to callers.
func trimTrailingNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

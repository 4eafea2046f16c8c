// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"encoding/binary"
	"math"

	"github.com/loopkit/evcore/errs"
	"github.com/loopkit/evcore/log"
	"github.com/loopkit/evcore/metrics"
	"github.com/loopkit/evcore/sched"
)

// maxSyncCount bounds sync_count the way a int32 pipeline depth would
// overflow in the source; send_sync fails rather than wrapping once
// exceeded.
const maxSyncCount = math.MaxInt32

// Column describes one result column: its 1-based position (implicit in
// slice order) name and wire type OID.
type Column struct {
	Name string
	OID  uint32
}

// Result is one query's harvested output: columns with their type
// OIDs, and a sequence of rows each addressable both by 1-based column
// index and by column name.
type Result struct {
	Columns []Column
	Rows    []Row

	colIndex map[string]int
}

// Row is one result row, addressable by 1-based column position (At) or
// column name (By), exactly like pgeff_query_cont's dual-keyed row
// table.
type Row struct {
	result *Result
	values []any
}

// At returns the value of the col-th column (1-based), or nil if col is
// out of range or the value was SQL NULL.
func (r Row) At(col int) any {
	if col < 1 || col > len(r.values) {
		return nil
	}
	return r.values[col-1]
}

// By returns the value of the named column, or nil if absent or NULL.
func (r Row) By(name string) any {
	idx, ok := r.result.colIndex[name]
	if !ok {
		return nil
	}
	return r.values[idx]
}

func newPendingQuery(headNow bool) *pendingQuery {
	pq := &pendingQuery{turn: make(chan struct{})}
	if headNow {
		close(pq.turn)
	}
	return pq
}

type pendingQuery struct {
	turn chan struct{}
	// claimed is set once a GetResult call has taken this entry.
	claimed bool
}

// SendQuery serializes params through the input converter chain
// (booleans map natively to OID 16 with "t"/"f"), issues a
// Parse/Bind/Describe/Execute sequence and a non-blocking flush, and
// enqueues a FIFO entry for a later GetResult. It never waits for a
// result.
func (c *Conn) SendQuery(sql string, params ...any) error {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return err
	}
	headNow := len(c.pending) == 0
	c.mu.Unlock()

	oids := make([]uint32, len(params))
	texts := make([]string, len(params))
	isNull := make([]bool, len(params))
	for i, p := range params {
		oid, text, null := encodeParam(c, p)
		oids[i], texts[i], isNull[i] = oid, text, null
	}
	payload := buildExtendedQuery(sql, oids, texts, isNull, false)
	if err := c.send(payload); err != nil {
		c.breakConn(err)
		return err
	}
	c.mu.Lock()
	c.pending = append(c.pending, newPendingQuery(headNow))
	c.mu.Unlock()
	metrics.Add(metrics.PGCoreQueriesSent, 1)
	return nil
}

// SendSync appends a pipeline Sync message and increments sync_count,
// failing rather than overflowing.
func (c *Conn) SendSync() error {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.syncCount >= maxSyncCount {
		c.mu.Unlock()
		return errs.New(errs.BadArgument, "send_sync: pipeline depth overflow")
	}
	c.syncCount++
	c.mu.Unlock()
	if err := c.send(frontendMsg(feSync, nil)); err != nil {
		c.breakConn(err)
		return err
	}
	metrics.Add(metrics.PGCoreSyncsSent, 1)
	return nil
}

// GetResult drains server output for the FIFO's head query, suspending
// as needed until that query's result (or error) is available. A caller
// racing ahead of its turn parks on the FIFO entry until prior queries
// complete: non-head waiters sleep until woken.
func (c *Conn) GetResult() (*Result, error) {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var head *pendingQuery
	for _, pq := range c.pending {
		if !pq.claimed {
			head = pq
			break
		}
	}
	if head == nil {
		c.mu.Unlock()
		return nil, errs.New(errs.InvalidState, "get_result: no pending query")
	}
	head.claimed = true
	c.mu.Unlock()
	<-head.turn

	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	aborted := c.abortedUntilSync
	c.mu.Unlock()

	var result *Result
	var qerr error
	if aborted {
		qerr = errs.New(errs.PipelineAborted, "pipeline aborted; call GetSync to recover")
		metrics.Add(metrics.PGCoreResultsDrained, 1)
	} else {
		result, qerr = c.drainOneQuery()
	}

	c.mu.Lock()
	c.pending = c.pending[1:]
	if len(c.pending) > 0 {
		close(c.pending[0].turn)
	}
	c.mu.Unlock()
	return result, qerr
}

// drainOneQuery is the arbitrated read loop grounded directly on
// pgeff_query_cont: wake the listen sibling unconditionally, consume
// input and flush, then either return a completed result/error or
// suspend on fd readiness and the query sleeper (sharing fd readiness
// with the listen path only when both are waiting).
func (c *Conn) drainOneQuery() (*Result, error) {
	var desc []Column
	var rawRows [][]rawValue

	for {
		c.mu.Lock()
		c.queryWaiting = false
		c.mu.Unlock()
		c.listenWaker()

		result, err, needMore := c.consumeAndDrainQuery(&desc, &rawRows)
		if !needMore {
			return result, err
		}
		if err := c.waitForMore(true); err != nil {
			return nil, err
		}
	}
}

// consumeAndDrainQuery holds ioMu for one round of consume_input +
// frame parsing, never across a suspend: it either returns a terminal
// result/error for the current head query (needMore=false) or reports
// that the caller must wait for more bytes (needMore=true).
func (c *Conn) consumeAndDrainQuery(desc *[]Column, rawRows *[][]rawValue) (result *Result, err error, needMore bool) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if cerr := c.consumeAndFlush(); cerr != nil {
		c.breakConn(cerr)
		return nil, cerr, false
	}
	for {
		msg, ok := c.in.next()
		if !ok {
			return nil, nil, true
		}
		switch msg.tag {
		case tagNotificationResp:
			c.pushNotification(msg)
		case tagNoticeResponse:
			c.handleNotice(msg)
		case tagParseComplete, tagBindComplete, tagParamDescription, tagNoData:
		case tagRowDescription:
			*desc = parseRowDescription(msg.body)
			*rawRows = nil
		case tagDataRow:
			*rawRows = append(*rawRows, parseDataRow(msg.body))
		case tagCommandComplete, tagEmptyQueryResp:
			metrics.Add(metrics.PGCoreResultsDrained, 1)
			return buildResult(c, *desc, *rawRows), nil, false
		case tagErrorResponse:
			fields := parseErrorFields(msg.body)
			c.mu.Lock()
			c.abortedUntilSync = true
			c.mu.Unlock()
			metrics.Add(metrics.PGCoreResultsDrained, 1)
			metrics.Add(metrics.PGCoreQueryErrors, 1)
			return nil, &errs.QueryError{Message: fields["M"], Code: fields["C"]}, false
		case tagReadyForQuery:
			c.mu.Lock()
			c.readyPending++
			c.abortedUntilSync = false
			c.mu.Unlock()
		default:
			log.Debugf("pgcore: get_result: unhandled message %q", msg.tag)
		}
	}
}

// waitForMore suspends the caller (query side when isQuery, else listen
// side) until the socket is readable again or the sibling wakes it,
// implementing shared-readiness arbitration: when both sides are
// waiting, only one of them actually watches the fd.
func (c *Conn) waitForMore(isQuery bool) error {
	var sleeper *sched.Sleeper
	var sharesReadiness bool
	c.mu.Lock()
	if isQuery {
		c.queryWaiting = true
		sleeper = c.querySleeper
		sharesReadiness = c.listenWaiting
	} else {
		c.listenWaiting = true
		sleeper = c.listenSleeper
		sharesReadiness = c.queryWaiting
	}
	c.mu.Unlock()
	sleeper.Reset()
	if sharesReadiness {
		return c.sched.Select(sched.HandleTarget(sleeper))
	}
	return c.sched.Select(sched.FDReadTarget(c.handle.FD()), sched.HandleTarget(sleeper))
}

// GetSync drains output discarding non-head results until the next
// ReadyForQuery is consumed, decrements sync_count, and returns the
// remaining count. With sync_count already 0 it returns immediately
// with no I/O.
func (c *Conn) GetSync() (int, error) {
	c.mu.Lock()
	if err := c.checkOpen(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if c.syncCount == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	if c.readyPending > 0 {
		c.readyPending--
		c.syncCount--
		c.abortedUntilSync = false
		n := c.syncCount
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		ready := c.readyPending
		pendingEmpty := len(c.pending) == 0
		c.mu.Unlock()
		if ready > 0 {
			break
		}
		if !pendingEmpty {
			// Discard the next queued query's result unconditionally;
			// a QueryError or PipelineAborted is expected noise here,
			// anything else is a connection-level failure already
			// surfaced by breakConn inside GetResult.
			if _, err := c.GetResult(); err != nil {
				if _, ok := err.(*errs.QueryError); !ok && !errs.Is(err, errs.PipelineAborted) {
					return 0, err
				}
			}
			continue
		}
		if err := c.drainUntilReady(); err != nil {
			return 0, err
		}
		break
	}
	c.mu.Lock()
	c.readyPending--
	c.syncCount--
	c.abortedUntilSync = false
	n := c.syncCount
	c.mu.Unlock()
	return n, nil
}

// drainUntilReady is GetSync's direct I/O path once the query FIFO is
// empty: there is nothing left for GetResult to pop, so GetSync reads
// for itself, discarding query results it stumbles on (which should not
// occur once the FIFO is empty) until it consumes a ReadyForQuery.
func (c *Conn) drainUntilReady() error {
	for {
		c.mu.Lock()
		c.queryWaiting = false
		c.mu.Unlock()
		c.listenWaker()

		done, err := c.consumeAndDiscardUntilReady()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := c.waitForMore(true); err != nil {
			return err
		}
	}
}

// consumeAndDiscardUntilReady holds ioMu for one round of consume_input,
// discarding everything but notifications/notices until a ReadyForQuery
// is consumed (done=true) or the buffer runs dry (done=false, caller
// must wait for more bytes).
func (c *Conn) consumeAndDiscardUntilReady() (done bool, err error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if cerr := c.consumeAndFlush(); cerr != nil {
		c.breakConn(cerr)
		return false, cerr
	}
	for {
		msg, ok := c.in.next()
		if !ok {
			return false, nil
		}
		switch msg.tag {
		case tagNotificationResp:
			c.pushNotification(msg)
		case tagNoticeResponse:
			c.handleNotice(msg)
		case tagReadyForQuery:
			c.mu.Lock()
			c.readyPending++
			c.mu.Unlock()
			return true, nil
		default:
			log.Debugf("pgcore: get_sync: discarding message %q", msg.tag)
		}
	}
}

// consumeAndFlush is PGCORE's consume_input + flush: drain every
// currently-available byte off the socket into the wire buffer, then
// push out any still-buffered frontend bytes.
func (c *Conn) consumeAndFlush() error {
	for {
		got, err := c.in.fill(c.handle)
		if err != nil {
			return err
		}
		if !got {
			break
		}
	}
	if _, err := c.handle.Flush(); err != nil {
		return err
	}
	return nil
}

// breakConn puts the connection into BROKEN state and releases every
// FIFO waiter so none is stranded parked on its turn channel, matching
// pending deferred results drain as errors in FIFO order.
func (c *Conn) breakConn(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = stateBroken
	log.Warnf("pgcore: connection broken: %v", cause)
	for _, pq := range c.pending {
		select {
		case <-pq.turn:
		default:
			close(pq.turn)
		}
	}
}

type rawValue struct {
	isNull bool
	text   string
}

func parseRowDescription(body []byte) []Column {
	if len(body) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	cols := make([]Column, 0, n)
	i := 2
	for col := 0; col < n; col++ {
		start := i
		for i < len(body) && body[i] != 0 {
			i++
		}
		name := string(body[start:i])
		i += 1 + 4 + 2 // NUL, table OID, column attnum
		if i+4 > len(body) {
			break
		}
		oid := binary.BigEndian.Uint32(body[i : i+4])
		i += 4 + 2 + 4 + 2 // type OID, type size, type modifier, format code
		cols = append(cols, Column{Name: name, OID: oid})
	}
	return cols
}

func parseDataRow(body []byte) []rawValue {
	if len(body) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	values := make([]rawValue, n)
	i := 2
	for col := 0; col < n; col++ {
		if i+4 > len(body) {
			break
		}
		l := int32(binary.BigEndian.Uint32(body[i : i+4]))
		i += 4
		if l < 0 {
			values[col] = rawValue{isNull: true}
			continue
		}
		values[col] = rawValue{text: string(body[i : i+int(l)])}
		i += int(l)
	}
	return values
}

func buildResult(c *Conn, desc []Column, rows [][]rawValue) *Result {
	r := &Result{Columns: desc, colIndex: make(map[string]int, len(desc))}
	for i, col := range desc {
		r.colIndex[col.Name] = i
	}
	r.Rows = make([]Row, 0, len(rows))
	for _, raw := range rows {
		values := make([]any, len(desc))
		for i, v := range raw {
			if v.isNull {
				continue
			}
			oid := uint32(0)
			if i < len(desc) {
				oid = desc[i].OID
			}
			values[i] = convertOutput(c, oid, v.text)
		}
		r.Rows = append(r.Rows, Row{result: r, values: values})
	}
	return r
}

// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package pgcore

import (
	"encoding/binary"
	"strings"
)

// Notification is one asynchronous server NOTIFY: a channel name, the
// notifying backend's PID, and an optional payload.
type Notification struct {
	Name       string
	BackendPID int32
	Payload    string
}

// pushNotification decodes a NotificationResponse ('A') message and
// queues it for Listen; mirrors pgeff_listen_cont's PQnotifies harvest.
func (c *Conn) pushNotification(msg message) {
	if len(msg.body) < 5 {
		return
	}
	pid := int32(binary.BigEndian.Uint32(msg.body[0:4]))
	rest := msg.body[4:]
	nameEnd := indexByte(rest, 0)
	if nameEnd < 0 {
		return
	}
	name := string(rest[:nameEnd])
	payloadRest := rest[nameEnd+1:]
	payloadEnd := indexByte(payloadRest, 0)
	if payloadEnd < 0 {
		payloadEnd = len(payloadRest)
	}
	payload := string(payloadRest[:payloadEnd])

	c.mu.Lock()
	c.notifications = append(c.notifications, &Notification{Name: name, BackendPID: pid, Payload: payload})
	waiters := c.notifyWaiters
	c.notifyWaiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// handleNotice trims the message and dispatches it to the per-connection
// NoticeProcessor, falling back to DefaultNoticeProcessor, mirroring
// pgeff_notice_processor's lookup order.
func (c *Conn) handleNotice(msg message) {
	fields := parseErrorFields(msg.body)
	text := fields["M"]
	if strings.TrimSpace(text) == "" {
		return
	}
	if c.NoticeProcessor != nil {
		c.NoticeProcessor(text)
		return
	}
	if DefaultNoticeProcessor != nil {
		DefaultNoticeProcessor(text)
	}
}

// Listen returns the next asynchronous server notification, suspending
// on the connection's read readiness (shared with the query path's
// arbitration) until one arrives. Grounded directly on
// pgeff_listen_cont: wake the query sibling unconditionally every
// iteration, consume_input, check the notify queue, else suspend.
func (c *Conn) Listen() (*Notification, error) {
	for {
		c.mu.Lock()
		if err := c.checkOpen(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.listenWaiting = false
		c.mu.Unlock()
		c.queryWaker()

		if err := c.consumeAndCheckNotify(); err != nil {
			c.breakConn(err)
			return nil, err
		}

		c.mu.Lock()
		if len(c.notifications) > 0 {
			n := c.notifications[0]
			c.notifications = c.notifications[1:]
			c.mu.Unlock()
			return n, nil
		}
		c.mu.Unlock()

		if err := c.waitForMore(false); err != nil {
			return nil, err
		}
	}
}

// consumeAndCheckNotify holds ioMu for one round of consume_input, then
// pulls notifications and notices off the already-buffered wire data
// without touching any message that belongs to a pipelined query result
// (RowDescription/DataRow/CommandComplete/ErrorResponse/ReadyForQuery):
// those are left exactly where they are for the query-side drain to
// consume, since Listen and GetResult share one input buffer but must
// never steal each other's frames.
func (c *Conn) consumeAndCheckNotify() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if err := c.consumeAndFlush(); err != nil {
		return err
	}
	for {
		tag, ok := c.in.peekTag()
		if !ok || (tag != tagNotificationResp && tag != tagNoticeResponse) {
			return nil
		}
		msg, ok := c.in.next()
		if !ok {
			return nil
		}
		switch msg.tag {
		case tagNotificationResp:
			c.pushNotification(msg)
		case tagNoticeResponse:
			c.handleNotice(msg)
		}
	}
}

//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package metrics provides runtime monitoring counters for EVENTQ,
// STREAM and PGCORE, a good tool for performance tuning.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// EVENTQ metrics
	EventQWaitCalls = iota
	EventQPollCalls
	EventQEventsDelivered

	// STREAM metrics
	StreamReadCalls
	StreamReadBytes
	StreamWriteCalls
	StreamWriteBytes
	StreamFlushCalls

	// PGCORE metrics
	PGCoreQueriesSent
	PGCoreSyncsSent
	PGCoreResultsDrained
	PGCoreQueryErrors
	Max
)

var (
	metrics [Max]atomic.Uint64
)

// Add metrics counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metrics[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	new := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = new[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	m := GetAll()
	showAll(m)
}

func showAll(m [Max]uint64) {
	fmt.Println("######### evcore metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showEventQMetrics(m)
	showStreamMetrics(m)
	showPGCoreMetrics(m)
	fmt.Printf("\n")
}

func showEventQMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# EVENTQ - number of blocking Wait calls", m[EventQWaitCalls])
	fmt.Printf("%-59s: %d\n", "# EVENTQ - number of non-blocking Poll calls", m[EventQPollCalls])
	fmt.Printf("%-59s: %d\n", "# EVENTQ - number of events delivered", m[EventQEventsDelivered])
	waits := m[EventQWaitCalls] + m[EventQPollCalls]
	if waits > 0 {
		fmt.Printf("%-59s: %.2f\n", "# EVENTQ - average events per wait/poll",
			float64(m[EventQEventsDelivered])/float64(waits))
	}
}

func showStreamMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# STREAM - number of Read syscalls", m[StreamReadCalls])
	fmt.Printf("%-59s: %d\n", "# STREAM - bytes read", m[StreamReadBytes])
	fmt.Printf("%-59s: %d\n", "# STREAM - number of Write syscalls", m[StreamWriteCalls])
	fmt.Printf("%-59s: %d\n", "# STREAM - bytes written", m[StreamWriteBytes])
	fmt.Printf("%-59s: %d\n", "# STREAM - number of Flush calls", m[StreamFlushCalls])
}

func showPGCoreMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# PGCORE - queries sent", m[PGCoreQueriesSent])
	fmt.Printf("%-59s: %d\n", "# PGCORE - syncs sent", m[PGCoreSyncsSent])
	fmt.Printf("%-59s: %d\n", "# PGCORE - results drained", m[PGCoreResultsDrained])
	fmt.Printf("%-59s: %d\n", "# PGCORE - query errors", m[PGCoreQueryErrors])
	fmt.Printf("%-59s: %d\n", "# PGCORE - queries in flight", m[PGCoreQueriesSent]-m[PGCoreResultsDrained])
}

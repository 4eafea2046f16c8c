// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loopkit/evcore/metrics"
)

func TestMetrics(t *testing.T) {
	metrics.Add(metrics.EventQWaitCalls, 1)
	assert.Equal(t, uint64(1), metrics.Get(metrics.EventQWaitCalls))
	metrics.Add(metrics.EventQWaitCalls, 1)
	assert.Equal(t, uint64(2), metrics.Get(metrics.EventQWaitCalls))
	metrics.Add(metrics.Max+1, 1)
	assert.Equal(t, uint64(0), metrics.Get(metrics.Max+1))

	metrics.Add(metrics.EventQPollCalls, 8)
	metrics.Add(metrics.EventQEventsDelivered, 9)
	metrics.Add(metrics.StreamReadCalls, 99)
	metrics.Add(metrics.StreamReadBytes, 191)
	metrics.Add(metrics.StreamWriteCalls, 1191)
	metrics.Add(metrics.StreamWriteBytes, 1191)
	metrics.Add(metrics.StreamFlushCalls, 3)
	metrics.Add(metrics.PGCoreQueriesSent, 5)
	metrics.Add(metrics.PGCoreSyncsSent, 2)
	metrics.Add(metrics.PGCoreResultsDrained, 4)
	metrics.Add(metrics.PGCoreQueryErrors, 1)

	metrics.ShowMetrics()
	metrics.ShowMetricsOfPeriod(time.Millisecond)
}

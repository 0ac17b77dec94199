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

// Package taskpool runs short background jobs -- the PROC filter's waiter
// fan-out unsubscribe -- on a shared goroutine pool
// instead of spawning an unbounded number of bare goroutines. Grounded on
// the teacher's own taskpool.go, narrowed from its tcpconn/udpconn dispatch
// table to a single generic func() job.
package taskpool

import (
	"github.com/panjf2000/ants/v2"

	"github.com/kqueue-go/kqueue/metrics"
)

var pool, _ = ants.NewPool(0) // 0 means no limit, mirroring the teacher's maxRoutines.

// Go submits fn to the pool. If the pool is saturated or shutting down, fn
// runs on a new goroutine instead so a caller never blocks on a background
// job it does not need the result of.
func Go(fn func()) {
	metrics.Add(metrics.TaskAssigned, 1)
	if err := pool.Submit(fn); err != nil {
		go fn()
	}
}

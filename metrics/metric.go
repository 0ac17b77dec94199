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

// Package metrics provides runtime monitoring counters for the kqueue
// dispatch engine, such as the rate of filter fires and aggregate-descriptor
// wakeups, which is a good tool for performance tuning.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Queue metrics.
	QueueSubmitCalls = iota
	QueueCollectCalls
	QueueAggWait
	QueueAggNoWait
	QueueAggEvents

	// Knote lifecycle metrics.
	KnoteAdded
	KnoteDeleted
	KnoteFired
	KnoteOneshotFired
	KnoteDispatchDisabled

	// Per-filter metrics.
	ReadWriteEpollWait
	ReadWriteEpollEvents
	VnodeWatchEvents
	ProcExits
	SignalDeliveries
	TimerExpirations
	UserTriggers

	// Background task pool metrics.
	TaskAssigned
	Max
)

var (
	metricsArr [Max]atomic.Uint64
)

// Add metrics counter.
func Add(name int, delta uint64) {
	if name < 0 || name >= Max {
		return
	}
	metricsArr[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name < 0 || name >= Max {
		return 0
	}
	return metricsArr[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = metricsArr[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	newer := GetAll()
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = newer[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### kqueue metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showQueueMetrics(m)
	showKnoteMetrics(m)
	showFilterMetrics(m)
	fmt.Printf("\n")
}

func showQueueMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# queue - number of Submit calls", m[QueueSubmitCalls])
	fmt.Printf("%-59s: %d\n", "# queue - number of collect calls", m[QueueCollectCalls])
	fmt.Printf("%-59s: %d\n", "# queue - number of aggregate epoll_wait returns (tag:b)", m[QueueAggWait])
	fmt.Printf("%-59s: %d\n", "# queue - number of aggregate epoll_wait called with msec=0 (tag:a)", m[QueueAggNoWait])
	fmt.Printf("%-59s: %d\n", "# queue - number of aggregate ready events", m[QueueAggEvents])
	if m[QueueAggWait] > 0 {
		fmt.Printf("%-59s: %.2f%%\n", "# queue - a/b * 100%%", float32(m[QueueAggNoWait])*100/float32(m[QueueAggWait]))
	}
}

func showKnoteMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# knote - number added", m[KnoteAdded])
	fmt.Printf("%-59s: %d\n", "# knote - number deleted", m[KnoteDeleted])
	fmt.Printf("%-59s: %d\n", "# knote - number fired", m[KnoteFired])
	fmt.Printf("%-59s: %d\n", "# knote - number of oneshot fires", m[KnoteOneshotFired])
	fmt.Printf("%-59s: %d\n", "# knote - number disabled by EV_DISPATCH", m[KnoteDispatchDisabled])
}

func showFilterMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# readwrite - epoll_wait returns", m[ReadWriteEpollWait])
	fmt.Printf("%-59s: %d\n", "# readwrite - ready events", m[ReadWriteEpollEvents])
	fmt.Printf("%-59s: %d\n", "# vnode - native watch events", m[VnodeWatchEvents])
	fmt.Printf("%-59s: %d\n", "# proc - child exits observed", m[ProcExits])
	fmt.Printf("%-59s: %d\n", "# signal - deliveries coalesced", m[SignalDeliveries])
	fmt.Printf("%-59s: %d\n", "# timer - expirations observed", m[TimerExpirations])
	fmt.Printf("%-59s: %d\n", "# user - triggers observed", m[UserTriggers])
}

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

// Package poller provides an event-driven polling system used by the
// READ/WRITE and TIMER filters to monitor file descriptor readiness.
package poller

import (
	"errors"
	"sync"
)

// NewDesc allocates a Desc for a file descriptor in general.
func NewDesc() *Desc {
	return alloc()
}

// FreeDesc frees a Desc object. The memory is managed by the poller package;
// skipping FreeDesc leaks it.
func FreeDesc(desc *Desc) {
	markDescFree(desc)
}

// Desc provides the fd and event callbacks used by a Poller to monitor
// events (readable, writable, hang up). When an event is ready, the poller
// invokes the matching callback.
type Desc struct {
	mu     sync.RWMutex
	next   *Desc
	poller Poller
	index  int32
	Data   interface{}

	// Desc provides three callbacks for a fd's reading, writing and hang-up
	// events. Unlike a byte-oriented network multiplexer, OnRead/OnWrite
	// exist only to let the owning filter recompute its knote's readiness
	// payload (bytes available, backlog length, ...) -- no data is moved by
	// the poller itself.
	OnRead  func(data interface{}) error
	OnWrite func(data interface{}) error
	OnHup   func(data interface{})

	// FD is the file descriptor that will be monitored by the poller.
	FD int
}

// RLock locks the Desc for reading.
func (p *Desc) RLock() {
	p.mu.RLock()
}

// RUnlock unlocks the Desc for reading.
func (p *Desc) RUnlock() {
	p.mu.RUnlock()
}

// Lock locks the Desc for reading and writing.
func (p *Desc) Lock() {
	p.mu.Lock()
}

// Unlock unlocks the Desc for reading and writing.
func (p *Desc) Unlock() {
	p.mu.Unlock()
}

// PickPollerWithPollMgr binds the Desc to one poller picked from mgr. Each
// filter owns its PollMgr; pollers are never shared across queues.
func (p *Desc) PickPollerWithPollMgr(mgr *PollMgr) error {
	if p.poller != nil {
		return errors.New("already bind to poller")
	}
	if mgr == nil {
		return errors.New("pollMgr is nil")
	}
	p.poller = mgr.Pick()
	return nil
}

// Control registers the event that the Desc asks its poller to monitor.
func (p *Desc) Control(event Event) error {
	if p.poller == nil {
		return errors.New("invalid Desc")
	}
	return p.poller.Control(p, event)
}

// Close closes the Desc.
func (p *Desc) Close() error {
	return p.poller.Control(p, Detach)
}

func (p *Desc) reset() {
	p.FD = 0
	p.Data = nil
	p.OnRead, p.OnWrite, p.OnHup = nil, nil, nil
	p.poller = nil
}

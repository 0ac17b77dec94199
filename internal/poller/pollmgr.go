// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package poller

import (
	"fmt"
)

// NewPollMgr creates a PollMgr owned by a single filter. Pollers are never
// shared across queues: spec.md's "per-process, no cross-process queue
// sharing" non-goal extends in spirit to not sharing poller state across
// independent in-process queues either, so every READ/WRITE filter
// constructs its own PollMgr rather than picking from a package-level
// singleton.
func NewPollMgr(balance string, loops int, opts ...Option) (*PollMgr, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	builder := GetBalanceBuilder(balance)
	if builder == nil {
		return nil, fmt.Errorf("loadbalance %s is not registered", balance)
	}
	pollmgr := &PollMgr{lb: builder(), ignoreTaskError: o.ignoreTaskError}
	if err := pollmgr.SetNumPollers(loops); err != nil {
		return nil, err
	}
	return pollmgr, nil
}

type options struct {
	ignoreTaskError bool
}

// Option provides poller manager option.
type Option func(*options)

// WithIgnoreTaskError sets the boolean value of ignore task error.
func WithIgnoreTaskError(ignore bool) Option {
	return func(o *options) {
		o.ignoreTaskError = ignore
	}
}

// PollMgr manages all the pollers owned by one filter, including scaling out
// pollers and asking loadbalance to pick a poller for a Desc.
type PollMgr struct {
	lb              LoadBalance
	ignoreTaskError bool
}

// SetNumPollers scales up the pollers.
func (pm *PollMgr) SetNumPollers(loops int) error {
	if loops == 0 || loops < pm.lb.Len() {
		return fmt.Errorf("loops can't be smaller than current loops[%d]", pm.lb.Len())
	}
	pm.run(loops)
	return nil
}

// NumPollers returns pollers number of pollMgr.
func (pm *PollMgr) NumPollers() int {
	return pm.lb.Len()
}

// Pick asks loadbalance to pick a poller for a Desc.
func (pm *PollMgr) Pick() Poller {
	return pm.lb.Pick()
}

// Close closes all the pollers managed by PollMgr.
func (pm *PollMgr) Close() error {
	pm.lb.Iterate(func(_ int, poller Poller) bool {
		_ = poller.Close()
		return true
	})
	return nil
}

func (pm *PollMgr) run(loops int) {
	for i := pm.lb.Len(); i < loops; i++ {
		poller, err := newPoller(pm.ignoreTaskError)
		if err != nil {
			panic(err)
		}
		pm.lb.Register(poller)
		go poller.Wait()
	}
}

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

package kq

import "github.com/kqueue-go/kqueue/internal/safejob"

type key int

const (
	ctrl key = iota
	collect
	closeAll
)

// closer ensures the concurrent safety of a Queue's change-routing (ctrl),
// collection (collect) and close operations: once closeAll is closed, no new
// ctrl or collect job is allowed to start, and close itself waits for any
// collect already in flight to finish. Grounded on the teacher's own
// closer.go, narrowed from its six connection-lifecycle keys (sysRead,
// sysWrite, apiRead, apiWrite, apiCtrl, closeAll) to the queue's three.
type closer struct {
	ctrlJob     safejob.ExclusiveBlockJob
	collectJob  safejob.ConcurrentJob
	closeAllJob safejob.OnceJob
}

// closed returns whether the queue is closed.
func (c *closer) closed() bool {
	return c.closeAllJob.Closed()
}

func (c *closer) getJob(k key) safejob.Job {
	switch k {
	case ctrl:
		return &c.ctrlJob
	case collect:
		return &c.collectJob
	case closeAll:
		return &c.closeAllJob
	default:
		return nil
	}
}

func (c *closer) beginJobSafely(k key) bool {
	if k < 0 || k > closeAll {
		return false
	}
	return c.getJob(k).Begin()
}

func (c *closer) endJobSafely(k key) {
	if k < 0 || k > closeAll {
		return
	}
	c.getJob(k).End()
}

func (c *closer) closeAllJobs() {
	c.ctrlJob.Close()
	c.collectJob.Close()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"sync"
	"sync/atomic"
)

// readBufferSize is the most a single device read returns: one usbredir
// packet of 64 KiB plus its header.
const readBufferSize = 64*1024 + 32

// dataItem is one device read on its way to clients. It is released by
// the connection writers as well as by the loop, so its count is
// atomic.
type dataItem struct {
	refs atomic.Int32
	used int
	buf  [readBufferSize]byte
}

var itemPool = sync.Pool{New: func() any { return new(dataItem) }}

func newDataItem() *dataItem {
	item := itemPool.Get().(*dataItem)
	item.used = 0
	item.refs.Store(1)
	return item
}

func (item *dataItem) bytes() []byte { return item.buf[:item.used] }

func (item *dataItem) ref() *dataItem {
	item.refs.Add(1)
	return item
}

func (item *dataItem) unref() {
	switch refs := item.refs.Add(-1); {
	case refs == 0:
		itemPool.Put(item)
	case refs < 0:
		panic("vmc: data item reference count underflow")
	}
}

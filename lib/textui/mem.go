// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

var iecPrefixes = []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}

// IEC renders a byte count with a binary prefix ("4.2MiB").
func IEC(x uint64, unit string) string {
	val := float64(x)
	i := 0
	for val >= 1024 && i < len(iecPrefixes)-1 {
		val /= 1024
		i++
	}
	if i == 0 {
		return Sprintf("%d%s", x, unit)
	}
	return Sprintf("%.1f%s%s", val, iecPrefixes[i], unit)
}

// LiveMemUse is a log field that renders the current heap size when
// the log line is emitted.
type LiveMemUse struct {
	mu    sync.Mutex
	stats runtime.MemStats
	last  time.Time
}

var _ fmt.Stringer = (*LiveMemUse)(nil)

// runtime.ReadMemStats stops the world, so rate-limit it.
var LiveMemUseUpdateInterval = Tunable(1 * time.Second)

// String implements fmt.Stringer.
func (o *LiveMemUse) String() string {
	o.mu.Lock()
	if now := time.Now(); now.Sub(o.last) > LiveMemUseUpdateInterval {
		runtime.ReadMemStats(&o.stats)
		o.last = now
	}
	inuse, sys := o.stats.HeapInuse, o.stats.Sys
	o.mu.Unlock()
	return Sprintf("%s/%s", IEC(inuse, "B"), IEC(sys, "B"))
}

// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bcachefsledger

import (
	"context"
	"strings"

	"github.com/datawire/dlib/dlog"
	badger "github.com/dgraph-io/badger/v2"
)

// badgerLogger routes Badger's own chatter through dlog.
type badgerLogger struct {
	ctx context.Context
}

var _ badger.Logger = badgerLogger{}

func (l badgerLogger) log(level dlog.LogLevel, format string, args ...interface{}) {
	dlog.Logf(l.ctx, level, strings.TrimRight(format, "\n"), args...)
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log(dlog.LogLevelError, format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log(dlog.LogLevelWarn, format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log(dlog.LogLevelDebug, format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log(dlog.LogLevelTrace, format, args...)
}

// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/bcachefs-progs-ng/lib/binstruct"
)

type packet struct {
	Tag           uint8  `bin:"off=0x0, siz=0x1"`
	Count         uint16 `bin:"off=0x1, siz=0x2"`
	ID            uint32 `bin:"off=0x3, siz=0x4"`
	Note          string `bin:"-"`
	binstruct.End `bin:"off=0x7"`
}

func TestStructRoundTrip(t *testing.T) {
	t.Parallel()
	in := packet{
		Tag:   0x42,
		Count: 0x0102,
		ID:    0x0a0b0c0d,
	}
	dat, err := binstruct.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x02, 0x01, 0x0d, 0x0c, 0x0b, 0x0a}, dat,
		"fields marshal little-endian at their tagged offsets")
	assert.Equal(t, len(dat), binstruct.StaticSize(packet{}))

	var out packet
	n, err := binstruct.Unmarshal(dat, &out)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, in, out)
}

func TestUnmarshalShort(t *testing.T) {
	t.Parallel()
	var out packet
	_, err := binstruct.Unmarshal([]byte{0x42, 0x01}, &out)
	assert.Error(t, err)
}

type badOffset struct {
	A             uint8 `bin:"off=0x1, siz=0x1"`
	binstruct.End `bin:"off=0x2"`
}

func TestBadTagPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		_, _ = binstruct.Marshal(badOffset{})
	})
}

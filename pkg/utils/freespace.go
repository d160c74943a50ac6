// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type FreeSpaceType int

const (
	AsPercent FreeSpaceType = iota
	AsBytes
)

// FreeSpace is a free-space reserve, either absolute ("10GiB") or a
// percentage of the filesystem ("5").
type FreeSpace struct {
	Type    FreeSpaceType
	Bytes   uint64
	Percent float32
	Raw     string
}

// Reserved returns the number of bytes the reserve withholds on a
// filesystem of the given total size.
func (s FreeSpace) Reserved(total uint64) uint64 {
	switch s.Type {
	case AsPercent:
		return uint64(float64(total) * float64(s.Percent) / 100)
	case AsBytes:
		return s.Bytes
	}
	return 0
}

func (s FreeSpace) String() string {
	switch s.Type {
	case AsPercent:
		return fmt.Sprintf("%.2f%%", s.Percent)
	default:
		return s.Raw
	}
}

func ParseMinFreeSpace(s string) (*FreeSpace, error) {
	if percent, err := strconv.ParseFloat(s, 32); err == nil {
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("invalid percent value: %s", s)
		}
		return &FreeSpace{
			Type:    AsPercent,
			Percent: float32(percent),
			Raw:     s,
		}, nil
	}

	if bytes, err := humanize.ParseBytes(s); err == nil {
		if bytes <= 100 {
			return nil, fmt.Errorf("invalid byte value: %s", s)
		}
		return &FreeSpace{
			Type:  AsBytes,
			Bytes: bytes,
			Raw:   s,
		}, nil
	}

	return nil, errors.New("invalid min free space format")
}

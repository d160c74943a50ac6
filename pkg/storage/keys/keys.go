// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys validates object keys and derives keys from user filenames.
package keys

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
)

// MaxGeneratedLength bounds keys produced by FromFilename.
const MaxGeneratedLength = 256

// bannedRunes are shell and path metacharacters that may never appear in a key.
const bannedRunes = "#%&{}\\<>*?$!'\":@+`|="

var bannedSequences = []string{"..", "--"}

var (
	errEmpty          = errors.New("key is empty")
	errLeadingSlash   = errors.New("key starts with '/'")
	errTrailingSlash  = errors.New("key ends with '/'")
	errTrailingPeriod = errors.New("key ends with '.'")
)

// Validate rejects keys that are unsafe to map onto a filesystem path or an
// object-store URL. It performs no I/O.
func Validate(key string) error {
	if err := check(key); err != nil {
		return srcerr.New(srcerr.ErrValidationFailed, "validate key", key, err)
	}
	return nil
}

func check(key string) error {
	switch {
	case key == "":
		return errEmpty
	case strings.HasPrefix(key, "/"):
		return errLeadingSlash
	case strings.HasSuffix(key, "/"):
		return errTrailingSlash
	case strings.HasSuffix(key, "."):
		return errTrailingPeriod
	}

	for _, seq := range bannedSequences {
		if strings.Contains(key, seq) {
			return fmt.Errorf("key contains %q", seq)
		}
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("key contains control character %U", r)
		}
		if strings.ContainsRune(bannedRunes, r) {
			return fmt.Errorf("key contains %q", r)
		}
	}
	return nil
}

// IsValid is a convenience wrapper around Validate.
func IsValid(key string) bool {
	return check(key) == nil
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == ' ', r == '.', r == '_', r == '-', r == '(', r == ')':
		return true
	}
	return false
}

// FromFilename turns an arbitrary user-supplied filename into a valid key.
// Only characters from a fixed safe set survive, spaces become underscores,
// and a Unix-timestamp suffix is inserted before the extension so repeated
// uploads of the same name do not collide. The result never exceeds
// MaxGeneratedLength characters.
func FromFilename(name string, now time.Time) string {
	var b strings.Builder
	for _, r := range name {
		if !isSafe(r) {
			continue
		}
		if r == ' ' {
			r = '_'
		}
		b.WriteRune(r)
	}

	clean := b.String()
	for _, seq := range bannedSequences {
		for strings.Contains(clean, seq) {
			clean = strings.ReplaceAll(clean, seq, seq[:1])
		}
	}
	clean = strings.Trim(clean, ".")

	ext := path.Ext(clean)
	base := strings.TrimSuffix(clean, ext)
	if base == "" {
		base = "file"
	}
	suffix := "_" + strconv.FormatInt(now.Unix(), 10)

	// Keep at least one character of the base name
	if room := MaxGeneratedLength - 1 - len(suffix); len(ext) > room {
		ext = strings.TrimRight(ext[:room], ".")
	}
	if over := len(base) + len(suffix) + len(ext) - MaxGeneratedLength; over > 0 {
		base = base[:len(base)-over]
	}
	return base + suffix + ext
}

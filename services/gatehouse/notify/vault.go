// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package notify

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockKB is the smallest mlock limit that still fits the token
// buffer with its guard pages.
const minMlockKB = 16

var (
	vaultInitOnce   sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

// initVaultMemory checks the mlock limit once and arms memguard's
// interrupt handler so buffers are wiped on SIGINT/SIGTERM.
func initVaultMemory() {
	vaultInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit too low for a locked token buffer",
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockKB)
		}
	})
}

// checkMlockLimit reports whether the kernel allows enough locked
// memory, and the current limit in KB (-1 when unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockKB, limitKB
}

// tokenVault keeps the webhook token in mlocked memory so it cannot be
// swapped to disk. When the mlock limit is too low, it falls back to
// plain process memory only if GATEHOUSE_INSECURE_MEMORY=true
// acknowledges the downgrade.
type tokenVault struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	plain     []byte
	destroyed bool
}

func newTokenVault(secret []byte) (*tokenVault, error) {
	initVaultMemory()

	if !mlockSufficient {
		if os.Getenv("GATEHOUSE_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient for the webhook token: have %d KB, need %d KB; raise the limit or set GATEHOUSE_INSECURE_MEMORY=true",
				mlockLimitKB, minMlockKB)
		}
		slog.Warn("holding webhook token in unlocked memory",
			"mlock_limit_kb", mlockLimitKB)
		plain := make([]byte, len(secret))
		copy(plain, secret)
		wipe(secret)
		return &tokenVault{plain: plain}, nil
	}

	// NewBufferFromBytes wipes the source slice after copying.
	return &tokenVault{buffer: memguard.NewBufferFromBytes(secret)}, nil
}

// reveal returns the token for one request. The result is an ordinary
// string copy, so callers must not retain it.
func (v *tokenVault) reveal() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return "", fmt.Errorf("token vault already destroyed")
	}
	if v.buffer != nil {
		return v.buffer.String(), nil
	}
	return string(v.plain), nil
}

// destroy wipes the token. Idempotent.
func (v *tokenVault) destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	if v.buffer != nil {
		v.buffer.Destroy()
	}
	wipe(v.plain)
	v.plain = nil
	v.destroyed = true
}

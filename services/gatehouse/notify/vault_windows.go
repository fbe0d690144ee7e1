// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package notify

import (
	"fmt"
	"log/slog"
	"sync"
)

// tokenVault on Windows holds the token in plain process memory; there
// is no mlock-backed path here, only zeroing on destroy.
type tokenVault struct {
	mu        sync.Mutex
	plain     []byte
	destroyed bool
}

func newTokenVault(secret []byte) (*tokenVault, error) {
	slog.Warn("holding webhook token in unlocked memory")
	plain := make([]byte, len(secret))
	copy(plain, secret)
	wipe(secret)
	return &tokenVault{plain: plain}, nil
}

func (v *tokenVault) reveal() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return "", fmt.Errorf("token vault already destroyed")
	}
	return string(v.plain), nil
}

func (v *tokenVault) destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	wipe(v.plain)
	v.plain = nil
	v.destroyed = true
}

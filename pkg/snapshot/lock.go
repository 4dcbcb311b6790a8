// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockPath names the advisory lock guarding dir. It lives in the system
// temp directory so the output directory only ever holds fetched files.
func lockPath(dir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(dir)))
	return filepath.Join(os.TempDir(), "ggufpull-"+hex.EncodeToString(sum[:8])+".lock")
}

// lockDir takes the output directory lock, waiting up to wait for a
// concurrent holder to finish. dir must be absolute.
func lockDir(ctx context.Context, dir string, wait time.Duration) (func(), error) {
	fl := flock.New(lockPath(dir))
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if lockCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return func() { _ = fl.Unlock() }, nil
}

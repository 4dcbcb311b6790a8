// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"
)

// verifySHA256 hashes the file at path and compares it to expected.
func verifySHA256(path, rel, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, expected) {
		return &VerificationError{Path: rel, Method: VerifySHA256, Expected: expected, Actual: sum}
	}
	return nil
}

func verifySize(path, rel string, expected int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() != expected {
		return &VerificationError{
			Path:     rel,
			Method:   VerifySize,
			Expected: strconv.FormatInt(expected, 10),
			Actual:   strconv.FormatInt(fi.Size(), 10),
		}
	}
	return nil
}

// shouldSkipLocal checks if dst already holds the complete file.
// Returns (skip, reason).
func shouldSkipLocal(it PlanItem, dst string) (bool, string) {
	fi, err := os.Stat(dst)
	if err != nil || !fi.Mode().IsRegular() {
		return false, ""
	}

	// Known size that differs: incomplete or stale.
	if it.Size > 0 && fi.Size() != it.Size {
		return false, ""
	}

	if it.LFS && it.SHA256 != "" {
		if err := verifySHA256(dst, it.RelativePath, it.SHA256); err == nil {
			return true, "sha256 match"
		}
		return false, ""
	}

	if it.Size > 0 {
		return true, "size match"
	}
	return false, ""
}

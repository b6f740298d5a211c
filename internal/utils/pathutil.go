// Copyright 2025 The runshim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// SafeJoin joins a caller-supplied name onto baseDir and rejects any result
// escaping baseDir. Task and exec ids reach the filesystem through here.
func SafeJoin(baseDir, userPath string) (string, error) {
	joinedPath := filepath.Join(baseDir, userPath)

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory absolute path: %w", err)
	}
	absJoinedPath, err := filepath.Abs(joinedPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve joined path absolute path: %w", err)
	}

	if !isSubPath(absBaseDir, absJoinedPath) {
		return "", fmt.Errorf("path traversal detected")
	}

	return absJoinedPath, nil
}

func isSubPath(parent, child string) bool {
	if len(parent) == 0 {
		return false
	}

	parentWithSep := parent
	if !os.IsPathSeparator(parent[len(parent)-1]) {
		parentWithSep = parent + string(filepath.Separator)
	}

	return child == parent || (len(child) > len(parentWithSep) && child[:len(parentWithSep)] == parentWithSep)
}

// AtomicWriteFile writes data via a temp file and rename so readers never
// observe a partial file. Used for the shim's address and pid markers.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to open temp file for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

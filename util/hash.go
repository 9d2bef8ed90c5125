// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// HashFromReader reads a base 16 coded hash sum from a reader.
// The expected format is that of the sha256sum/sha512sum tools:
// "<hex> *<filename>" or "<hex>  <filename>" or a bare hex string.
// Only the first non-empty line is considered.
func HashFromReader(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return hex.DecodeString(strings.TrimSpace(fields[0]))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no hash found")
}

// HashFromData reads a base 16 coded hash sum from a byte slice.
func HashFromData(data []byte) ([]byte, error) {
	return HashFromReader(strings.NewReader(string(data)))
}

// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"net/url"
	"strings"
)

// BaseURL returns the base URL of a given URL, i.e. the URL
// without the last path segment and without query or fragment.
func BaseURL(u *url.URL) (string, error) {
	if u == nil {
		return "", fmt.Errorf("no URL given")
	}
	ep := *u
	ep.RawQuery = ""
	ep.Fragment = ""
	s := ep.String()
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[:idx+1]
	}
	return s, nil
}

// ParseBaseURL parses s and returns its base URL.
func ParseBaseURL(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	return BaseURL(u)
}

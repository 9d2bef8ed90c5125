// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CleanFileName replaces invalid characters of a filename with '_'
// and lower cases it.
func CleanFileName(s string) string {
	s = strings.ReplaceAll(s, `/`, `_`)
	s = strings.ReplaceAll(s, `\`, `_`)
	r := regexp.MustCompile(`\.{2,}`)
	s = r.ReplaceAllString(s, `_`)
	return strings.ToLower(s)
}

// ConformingFileName checks if the given filename conforms
// to the standard of the advisory distributions: lower case,
// no path separators, a '.json' suffix.
func ConformingFileName(fname string) bool {
	return fname == CleanFileName(fname) &&
		strings.HasSuffix(fname, ".json")
}

// PathExists returns true if path exists in the filesystem.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InsideRoot reports whether the relative path rel stays inside
// root after cleaning. Protects the content tree against paths
// escaping via '..' segments.
func InsideRoot(root, rel string) bool {
	full := filepath.Join(root, filepath.FromSlash(rel))
	cleaned := filepath.Clean(full)
	rootClean := filepath.Clean(root)
	return cleaned == rootClean ||
		strings.HasPrefix(cleaned, rootClean+string(filepath.Separator))
}

// WriteFileAtomic writes data to path by writing to a temporary
// sibling first and renaming it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %q failed: %w", path, err)
	}
	return nil
}

// IDMatchesFilename checks that the tracking ID of an advisory
// document matches its filename.
func IDMatchesFilename(pe *PathEval, doc any, filename string) error {
	var id string
	if err := pe.Extract(
		`$.document.tracking.id`, StringMatcher(&id), false, doc,
	); err != nil {
		return errors.New("cannot extract tracking id from document")
	}
	if CleanFileName(id)+".json" != filename {
		return fmt.Errorf("filename %q does not match tracking id %q", filename, id)
	}
	return nil
}

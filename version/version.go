// Package version computes the content-hash tags that guard binding and
// state restore across separately compiled module artifacts.
//
// Two tags exist per capability: the API tag hashes the contract source and
// must be equal on both sides of a binding; the data tag hashes the data
// layout source and must be equal between a saved state snapshot and the
// module it is restored into. Tags are computed once at build time and
// embedded in the artifact.
package version

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/wippyai/module-runtime/errors"
)

// Tag is a 64-bit content hash.
type Tag uint64

// Zero means "no source"; modules without a data layout report it.
const Zero Tag = 0

func (t Tag) String() string {
	return fmt.Sprintf("0x%016x", uint64(t))
}

// ParseTag parses the hex rendering produced by String.
func ParseTag(s string) (Tag, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseBuild, errors.KindInvalidInput, err, "parse tag "+s)
	}
	return Tag(v), nil
}

// HashBytes hashes parts in order. Each part is length-prefixed so that
// ("ab","c") and ("a","bc") differ.
func HashBytes(parts ...[]byte) Tag {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return fromSum(h.Sum(nil))
}

// HashString hashes a single string.
func HashString(s string) Tag {
	return HashBytes([]byte(s))
}

// HashDir hashes every regular file under dir.
func HashDir(dir string) (Tag, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseBuild, errors.KindNotFound, err, "hash source dir")
	}
	if !info.IsDir() {
		return 0, errors.InvalidInput(errors.PhaseBuild, dir+" is not a directory")
	}
	return HashFS(os.DirFS(dir), ".")
}

// HashFS hashes every regular file under root in fsys. Files are visited
// in sorted path order and both the relative path and the contents feed the
// hash, so renames change the tag.
func HashFS(fsys fs.FS, root string) (Tag, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.PhaseBuild, errors.KindInvalidData, err, "walk sources")
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return 0, errors.Wrap(errors.PhaseBuild, errors.KindInvalidData, err, "read "+f)
		}
		rel := f
		if root != "." {
			rel = path.Clean(f[len(root):])
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return fromSum(h.Sum(nil)), nil
}

// Check returns a data_version_mismatch error when got differs from expected.
func Check(expected, got Tag) error {
	if expected != got {
		return errors.DataVersionMismatch(expected, got)
	}
	return nil
}

func fromSum(sum []byte) Tag {
	return Tag(binary.BigEndian.Uint64(sum[:8]))
}

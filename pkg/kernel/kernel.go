// Package kernel holds compute kernel source as it travels from the
// coordinator's kernel file to every worker's compiler.
package kernel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrEmpty is returned for a kernel with no source text.
	ErrEmpty = errors.New("kernel: empty source")
	// ErrNotText is returned for source that is not valid UTF-8.
	ErrNotText = errors.New("kernel: source is not UTF-8 text")
)

// Source is kernel text plus its fingerprint.
type Source struct {
	Text        string
	Fingerprint string
}

// New wraps kernel text. The text is sent verbatim; only emptiness and
// encoding are checked.
func New(text []byte) (Source, error) {
	if len(strings.TrimSpace(string(text))) == 0 {
		return Source{}, ErrEmpty
	}
	if !utf8.Valid(text) {
		return Source{}, ErrNotText
	}
	return Source{Text: string(text), Fingerprint: Fingerprint(text)}, nil
}

// Load reads a kernel file.
func Load(path string) (Source, error) {
	// #nosec G304 -- the kernel path is an operator-supplied CLI argument.
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("kernel: read %s: %w", path, err)
	}
	src, err := New(data)
	if err != nil {
		return Source{}, fmt.Errorf("%w (%s)", err, path)
	}
	return src, nil
}

// Fingerprint is the hex blake2b-256 digest of text.
func Fingerprint(text []byte) string {
	sum := blake2b.Sum256(text)
	return hex.EncodeToString(sum[:])
}

// Short returns the leading 16 hex digits of the fingerprint.
func (s Source) Short() string {
	if len(s.Fingerprint) < 16 {
		return s.Fingerprint
	}
	return s.Fingerprint[:16]
}

// Bytes is the payload of an Init message.
func (s Source) Bytes() []byte { return []byte(s.Text) }

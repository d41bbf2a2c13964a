// Package mimetype sniffs the leading bytes of a stream transfer and
// rejects payloads that cannot be media. CDNs occasionally answer an expired
// stream URL with an HTML error page and a 200 status; catching that here
// fails the job before a bogus file lands on disk.
package mimetype

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rakyll/magicmime"
)

// SniffThreshold is how many leading payload bytes are buffered for
// detection. Container signatures sit well within the first kilobyte.
const SniffThreshold = 1024

// DefaultPattern rejects the payloads a stream URL must never produce.
// Entries are comma separated globs, all of which must hold; a leading "!"
// negates an entry.
const DefaultPattern = "!text/*,!application/json,!application/x-empty"

// Validator checks a payload's detected mime type against a set of checks.
// It wraps a libmagic decoder and is not safe for concurrent use; the
// processor gives each worker its own instance.
type Validator struct {
	buffer  *bytes.Buffer
	decoder *magicmime.Decoder

	checks []Check
}

// Check is a single glob matched against the detected mime type. With
// negate set the payload must NOT match.
type Check struct {
	glob   string
	negate bool
}

// ErrMismatch reports which check the detected mime type failed.
type ErrMismatch struct {
	check Check
	found string
}

func (e ErrMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("Expected payload not to be (%s), found (%s)", e.check.glob, e.found)
	}
	return fmt.Sprintf("Expected payload to be (%s), found (%s)", e.check.glob, e.found)
}

// New constructs a validator with an open libmagic decoder. Callers must
// Close it when done.
func New() (*Validator, error) {
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}

	// Buffer's internal slice is grown to 2*size + MinRead during
	// ReadFrom() anyway so we allocate it in a single step up front.
	buf := bytes.NewBuffer(make([]byte, 0, 2*SniffThreshold+bytes.MinRead))
	return &Validator{decoder: decoder, buffer: buf}, nil
}

// ValidatePattern verifies every entry of pattern parses as a glob, so bad
// patterns surface at configuration time instead of mid-transfer.
func ValidatePattern(pattern string) error {
	var err error
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			_, err = filepath.Match(c[1:], "*")
		} else {
			_, err = filepath.Match(c, "*")
		}
		if err != nil {
			return fmt.Errorf("Invalid mime type pattern, %q", c)
		}
	}
	return nil
}

// Reset rearms the validator with the checks extracted from pattern and
// drops any buffered bytes.
func (v *Validator) Reset(pattern string) {
	v.checks = nil
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			v.checks = append(v.checks, Check{glob: c[1:], negate: true})
			continue
		}
		v.checks = append(v.checks, Check{glob: c, negate: false})
	}
	v.buffer.Reset()
}

// Read buffers up to SniffThreshold bytes from r, or fewer if the payload
// is shorter, then runs the checks. Read errors from r are returned
// verbatim.
func (v *Validator) Read(r io.Reader) error {
	_, err := v.buffer.ReadFrom(io.LimitReader(r, SniffThreshold))
	if err != nil {
		return err
	}
	return v.CheckBuffer(v.buffer.Bytes())
}

// CheckBuffer runs the checks against the provided bytes.
func (v *Validator) CheckBuffer(p []byte) error {
	var mime string
	var err error
	// decoder.TypeByBuffer() panics on empty slices; empty payloads map
	// to what libmagic reports for them.
	if len(p) > 0 {
		mime, err = v.decoder.TypeByBuffer(p)
		if err != nil {
			return err
		}
	} else {
		mime = "application/x-empty"
	}

	for _, check := range v.checks {
		if !check.Matches(mime) {
			return ErrMismatch{check, mime}
		}
	}
	return nil
}

// Close releases the libmagic decoder.
func (v *Validator) Close() {
	v.decoder.Close()
}

// Matches reports whether the detected mime type satisfies the check.
func (c Check) Matches(mime string) bool {
	// The only possible error is ErrBadPattern, which ValidatePattern
	// rules out at configuration time.
	match, _ := filepath.Match(c.glob, mime)
	return match != c.negate
}

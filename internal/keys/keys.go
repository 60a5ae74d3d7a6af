// Package keys implements the composite key convention used across the
// window engine.
//
// A composite message key is a list of components joined by a fixed
// separator:
//
//	partition ; window-instance components ... ; end-or-fire time ; marker
//
// The window instance id is everything between the first component and the
// last two. Other components parse these ids back, so derivation must not
// change.
package keys

import (
	"fmt"
	"strings"

	"github.com/xtxerr/windowstate/internal/errors"
)

// DefaultSeparator is the engine-wide key separator.
const DefaultSeparator = ";"

// Joiner joins and splits composite keys around one separator.
type Joiner struct {
	Sep string
}

// Default is the joiner every component uses unless configured otherwise.
var Default = Joiner{Sep: DefaultSeparator}

// New returns a joiner for sep. An empty sep means DefaultSeparator.
func New(sep string) Joiner {
	if sep == "" {
		sep = DefaultSeparator
	}
	return Joiner{Sep: sep}
}

func (j Joiner) sep() string {
	if j.Sep == "" {
		return DefaultSeparator
	}
	return j.Sep
}

// Join builds a composite key from its components.
func (j Joiner) Join(parts ...string) string {
	return strings.Join(parts, j.sep())
}

// Split breaks a composite key into its components.
func (j Joiner) Split(key string) []string {
	return strings.Split(key, j.sep())
}

// Partition returns the leading (queue partition) component.
func (j Joiner) Partition(key string) (string, error) {
	parts := j.Split(key)
	if len(parts) < 3 {
		return "", fmt.Errorf("%q has %d components: %w", key, len(parts), errors.ErrMalformedKey)
	}
	return parts[0], nil
}

// WindowInstanceID drops the partition and the two trailing time markers and
// re-joins the rest. "p1#w1#a#b#end123" with "#" yields "w1#a".
func (j Joiner) WindowInstanceID(key string) (string, error) {
	parts := j.Split(key)
	if len(parts) < 3 {
		return "", fmt.Errorf("%q has %d components: %w", key, len(parts), errors.ErrMalformedKey)
	}
	return j.Join(parts[1 : len(parts)-2]...), nil
}

// Route returns partition and window instance id in one pass.
func (j Joiner) Route(key string) (partition, windowInstanceID string, err error) {
	parts := j.Split(key)
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%q has %d components: %w", key, len(parts), errors.ErrMalformedKey)
	}
	return parts[0], j.Join(parts[1 : len(parts)-2]...), nil
}

// Join joins with the default separator.
func Join(parts ...string) string { return Default.Join(parts...) }

// Split splits with the default separator.
func Split(key string) []string { return Default.Split(key) }

// Partition uses the default separator.
func Partition(key string) (string, error) { return Default.Partition(key) }

// WindowInstanceID uses the default separator.
func WindowInstanceID(key string) (string, error) { return Default.WindowInstanceID(key) }

// Package config holds the mount-time options. It is built once in
// cmd/beholdfs and threaded explicitly through the rest of the program;
// nothing in this repository keeps it as a package global.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// MetaFileName is the reserved per-directory metadata file name.
const MetaFileName = ".beholdfs"

// DefaultTagChar is the tag sigil used when -o char=C is not given.
const DefaultTagChar = '%'

// Options is the immutable, process-wide mount configuration.
type Options struct {
	// TagChar is the single-byte tag sigil (default '%').
	TagChar byte
	// DebugLevel is the syslog-style level upper bound (0-7) given by
	// debug=N. It is parsed and carried; nothing in the FUSE adapter logs
	// through it.
	DebugLevel int
	// ListSigil controls whether normal listings include the synthetic
	// sigil entry that lets a client discover the listing view.
	ListSigil bool
	// FastLocate records the "new_locate" mount option. Nothing reads it:
	// visibility checks always use a direct row lookup, and no scratch
	// table is built either way.
	FastLocate bool
}

// Default returns the options in effect when no -o flags are given.
func Default() Options {
	return Options{
		TagChar:    DefaultTagChar,
		DebugLevel: 7,
		ListSigil:  true,
		FastLocate: true,
	}
}

// Parse applies a comma-separated "-o" option string (e.g.
// "debug=3,char=#,nolist") on top of Default().
func Parse(opts string) (Options, error) {
	o := Default()
	if opts == "" {
		return o, nil
	}
	for _, kv := range strings.Split(opts, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, hasValue := strings.Cut(kv, "=")
		switch key {
		case "debug":
			if !hasValue {
				return o, fmt.Errorf("config: option %q requires a value", key)
			}
			level, err := strconv.Atoi(value)
			if err != nil || level < 0 || level > 7 {
				return o, fmt.Errorf("config: invalid debug level %q", value)
			}
			o.DebugLevel = level
		case "char":
			if !hasValue || len(value) != 1 {
				return o, fmt.Errorf("config: char option requires exactly one byte, got %q", value)
			}
			o.TagChar = value[0]
		case "list":
			o.ListSigil = true
		case "nolist":
			o.ListSigil = false
		case "new_locate":
			o.FastLocate = true
		default:
			// This package only understands BeholdFS-specific options;
			// anything else is ignored rather than failing the mount, and
			// is not passed on to the FUSE mount call.
		}
	}
	return o, nil
}

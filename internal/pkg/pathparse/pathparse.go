// Package pathparse turns a virtual path presented by the FUSE layer into a
// real backing-store path plus a request-scoped tag filter.
//
// The grammar:
//
//	path     := ('/' segment)*
//	segment  := tags | name
//	tags     := (T part)+
//	part     := '-'? tagname
//	name     := any bytes except '/' and not starting with T
//
// where T is the configured tag sigil. The parser makes a single pass over
// the input and allocates only the output (one strings.Builder for the
// real path, one slice per tag set); no backtracking, no regexp.
//
// A "listing" segment (an empty tags segment, i.e. a bare sigil) is accepted
// only as the final segment of the path; anything after it is a malformed
// path.
package pathparse

import (
	"strings"

	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
)

// Parse parses raw (which must start with "/") using tagChar as the tag
// sigil. If invert is true, the resulting include and exclude sets are
// swapped as the final step.
func Parse(tagChar byte, raw string, invert bool) (metadata.ParsedPath, error) {
	if len(raw) == 0 || raw[0] != '/' {
		return metadata.ParsedPath{}, metadata.ErrMalformedPath
	}

	var real strings.Builder
	real.WriteByte('.')

	var components []string
	var include, exclude []string
	basename := ""
	listingSeen := false

	n := len(raw)
	i := 0
	for i < n {
		if raw[i] != '/' {
			// can only happen after a malformed segment scan; treated as
			// a programming invariant, not a user-reachable path.
			return metadata.ParsedPath{}, metadata.ErrMalformedPath
		}
		for i < n && raw[i] == '/' {
			i++
		}
		if i >= n {
			break // trailing slash
		}
		if listingSeen {
			return metadata.ParsedPath{}, metadata.ErrMalformedPath
		}

		if raw[i] == tagChar {
			sawTag := false
			for i < n && raw[i] == tagChar {
				i++ // consume sigil
				exclusion := false
				if i < n && raw[i] == '-' {
					exclusion = true
					i++
				}
				start := i
				for i < n && raw[i] != '/' && raw[i] != tagChar {
					i++
				}
				name := raw[start:i]
				if name == "" {
					continue
				}
				sawTag = true
				if exclusion {
					exclude = append(exclude, name)
				} else {
					include = append(include, name)
				}
			}
			if !sawTag {
				listingSeen = true
			}
			continue
		}

		start := i
		for i < n && raw[i] != '/' {
			i++
		}
		name := raw[start:i]
		real.WriteByte('/')
		real.WriteString(name)
		components = append(components, name)
		basename = name
	}

	if invert {
		include, exclude = exclude, include
	}

	return metadata.ParsedPath{
		RealPath: real.String(),
		BaseName: basename,
		Path:     components,
		Filter: metadata.Filter{
			Include: include,
			Exclude: exclude,
			Listing: listingSeen,
		},
	}, nil
}

// IsTagSegment reports whether a single path component (as delivered one at
// a time by a FUSE Lookup call) opens a tags segment under the given sigil.
func IsTagSegment(tagChar byte, segment string) bool {
	return len(segment) > 0 && segment[0] == tagChar
}

// ParseSegment parses one already-isolated tags segment (glued parts such as
// "%a%b%-c", or a bare sigil for a listing request) into the filter it
// contributes. It is the single-segment counterpart of Parse's inner scan,
// used by the FUSE adapter which receives one path component per Lookup
// call rather than a whole path string.
func ParseSegment(tagChar byte, segment string) (metadata.Filter, error) {
	if !IsTagSegment(tagChar, segment) {
		return metadata.Filter{}, metadata.ErrMalformedPath
	}

	var include, exclude []string
	sawTag := false
	n := len(segment)
	i := 0
	for i < n {
		if segment[i] != tagChar {
			return metadata.Filter{}, metadata.ErrMalformedPath
		}
		i++ // consume sigil
		exclusion := false
		if i < n && segment[i] == '-' {
			exclusion = true
			i++
		}
		start := i
		for i < n && segment[i] != tagChar {
			i++
		}
		name := segment[start:i]
		if name == "" {
			continue
		}
		sawTag = true
		if exclusion {
			exclude = append(exclude, name)
		} else {
			include = append(include, name)
		}
	}

	return metadata.Filter{Include: include, Exclude: exclude, Listing: !sawTag}, nil
}

// Reassemble rebuilds a virtual path string from a parsed path, inserting
// every tag as "/<sigil><name>" ("-" prefixed for exclusions) ahead of the
// real path's name components, followed by a trailing listing segment if
// set. It exists to support round-tripping a parsed path back into a path
// string and is not used on the hot lookup path.
func Reassemble(tagChar byte, p metadata.ParsedPath) string {
	var b strings.Builder
	for _, tag := range p.Include {
		b.WriteByte('/')
		b.WriteByte(tagChar)
		b.WriteString(tag)
	}
	for _, tag := range p.Exclude {
		b.WriteByte('/')
		b.WriteByte(tagChar)
		b.WriteByte('-')
		b.WriteString(tag)
	}
	for _, name := range p.Path {
		b.WriteByte('/')
		b.WriteString(name)
	}
	if p.Listing {
		b.WriteByte('/')
		b.WriteByte(tagChar)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Package metadata holds the shared data model for the tag index: the
// object/ownership/tag-link schema, the request-scoped filter and parsed
// path, and the error kinds every other package surfaces.
package metadata

import "database/sql"

// ObjectType discriminates the three kinds of row the objects table holds.
type ObjectType int

const (
	ObjectFile ObjectType = iota
	ObjectDirectory
	ObjectTag
)

func (t ObjectType) String() string {
	switch t {
	case ObjectFile:
		return "file"
	case ObjectDirectory:
		return "directory"
	case ObjectTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Object is a row of the objects table: a FILE, DIRECTORY or TAG.
// TAG objects have no parent; FILE/DIRECTORY objects model the directory
// tree inside one metadata file.
type Object struct {
	ID       int64
	ParentID sql.NullInt64
	Type     ObjectType
	Name     string
}

// UnknownObject is returned by lookups that find nothing.
var UnknownObject = Object{ID: -1}

// IsUnknown reports whether o is the not-found sentinel.
func (o Object) IsUnknown() bool { return o.ID < 0 }

// Filter is the request-scoped include/exclude tag-name pair, plus the
// listing flag that requests the synthetic tag-candidate view.
type Filter struct {
	Include []string
	Exclude []string
	Listing bool
}

// Empty reports whether the filter has no include/exclude tags and is not
// requesting a listing view.
func (f Filter) Empty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0 && !f.Listing
}

// Invert swaps include and exclude, used by callers that need to
// anti-match a filter.
func (f Filter) Invert() Filter {
	return Filter{Include: f.Exclude, Exclude: f.Include, Listing: f.Listing}
}

// ParsedPath is the request-scoped output of the path parser.
type ParsedPath struct {
	// RealPath is the backing-store path with tag components stripped,
	// always beginning with "." so it is relative to the mount root.
	RealPath string
	// BaseName is the final real path component; empty for the root.
	BaseName string
	// Path is the ordered list of real path components (used by the
	// mutation API to create ancestor objects).
	Path []string

	Filter
}

// IsRoot reports whether the parsed path denotes the mount root.
func (p ParsedPath) IsRoot() bool { return p.BaseName == "" }

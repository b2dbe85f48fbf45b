// Package filter evaluates a request-scoped tag filter against one
// directory's metadata store: decide whether a named child is visible,
// enumerate the visible children, and enumerate the candidate tags for the
// synthetic tag-listing view.
//
// A metadata file models only its own directory's immediate children (plus
// any TAG objects used within it); it is a sibling of one backing
// directory, not a whole-tree index. A subdirectory child's own
// objects_tags rows are therefore already the directory's "weak" tag
// summary by the time the mark engine has run: they were copied up from
// whatever that subdirectory's own metadata file currently reports, so
// visible() can test them with the same direct row lookup used for a
// file's "strong" tags; the strong-tag-of-the-object rule (directly for
// files, via any descendant for directories) collapses to one query once
// the summary is materialized.
package filter

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
)

// Visible reports whether the child named basename under parentID satisfies
// f. The bool result is only meaningful when err is nil; a missing child is
// reported as metadata.ErrNotFound, not as a false bool, so callers can tell
// "hidden" from "absent".
func Visible(db *sql.DB, parentID int64, f metadata.Filter, basename string) (bool, error) {
	if f.Empty() || basename == "" || f.Listing {
		return true, nil
	}

	var objID int64
	var objType int
	err := db.QueryRow(
		`select id, type from objects where id_parent = ? and name = ?`,
		parentID, basename,
	).Scan(&objID, &objType)
	if err == sql.ErrNoRows {
		return false, metadata.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	return evalTags(db, objID, f)
}

// evalTags decides visibility of an already-resolved object against f using
// the tags()/include()/exclude() SQL functions internal/pkg/store installs
// on every connection: tags() aggregates objID's own objects_tags rows into
// the opaque set include()/exclude() test membership against, so each
// direction costs one membership query once tagIDsCSV has resolved the
// filter's tag names to ids (one lookup per name).
//
// Exclude is deliberately strong-only. A directory containing some files
// tagged t and some not is still listed under "/%-t"; a child carrying the
// excluded tag does not, by itself, hide the parent. What does hide a
// directory via exclude is a tag asserted on the directory itself, not one
// inherited from a descendant. A file's own tag links are always strong
// (internal/pkg/mutate never writes a weak file link), so this rule is a
// no-op for files and only bites for directories, which is exactly where
// the strong/weak distinction exists to be consulted.
func evalTags(db *sql.DB, objID int64, f metadata.Filter) (bool, error) {
	if len(f.Include) > 0 {
		includeCSV, complete, err := tagIDsCSV(db, f.Include)
		if err != nil {
			return false, err
		}
		if !complete {
			// one of the requested include tags has no TAG object at all;
			// no object anywhere can carry it.
			return false, nil
		}
		var ok bool
		err = db.QueryRow(
			`select include( ( select tags(id_tag) from objects_tags where id_object = ? ), ? )`,
			objID, includeCSV,
		).Scan(&ok)
		if err != nil {
			return false, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if !ok {
			return false, nil
		}
	}

	if len(f.Exclude) > 0 {
		excludeCSV, _, err := tagIDsCSV(db, f.Exclude)
		if err != nil {
			return false, err
		}
		if excludeCSV != "" {
			var ok bool
			err = db.QueryRow(
				`select exclude( ( select tags(id_tag) from objects_tags where id_object = ? and strong = 1 ), ? )`,
				objID, excludeCSV,
			).Scan(&ok)
			if err != nil {
				return false, fmt.Errorf("%w: %s", metadata.ErrIO, err)
			}
			if !ok {
				return false, nil
			}
		}
	}

	return true, nil
}

// tagIDsCSV resolves tag names to the ids internal/pkg/store's UDFs compare
// against, returning a comma-joined id list plus whether every name in
// names resolved to an existing TAG object. A name with no TAG object
// anywhere contributes nothing to the CSV; the caller decides what that
// means for include vs. exclude.
func tagIDsCSV(db *sql.DB, names []string) (csv string, complete bool, err error) {
	var b strings.Builder
	complete = true
	first := true
	for _, name := range names {
		var id int64
		err := db.QueryRow(`select id from objects where id_parent is null and type = ? and name = ?`,
			metadata.ObjectTag, name).Scan(&id)
		if err == sql.ErrNoRows {
			complete = false
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%d", id)
	}
	return b.String(), complete, nil
}

// Child is one row of OpenChildren's result: the object's own identity
// plus enough to let the directory iterator merge it with a backing
// readdir entry.
type Child struct {
	ID   int64
	Name string
	Type metadata.ObjectType
}

// OpenChildren enumerates the children of parentID that satisfy f, ordered
// by name. When f is empty every object-having child is visible, but the
// directory iterator still drives the enumeration from the backing store's
// own readdir for that case; OpenChildren exists for the case where the
// store itself must be consulted.
func OpenChildren(db *sql.DB, parentID int64, f metadata.Filter) ([]Child, error) {
	rows, err := db.Query(
		`select id, name, type from objects where id_parent = ? and type != ? order by name`,
		parentID, metadata.ObjectTag,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	defer rows.Close()

	var all []Child
	for rows.Next() {
		var c Child
		var typ int
		if err := rows.Scan(&c.ID, &c.Name, &typ); err != nil {
			return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		c.Type = metadata.ObjectType(typ)
		all = append(all, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	// evalTags issues its own queries; the result set must be closed first,
	// since the store's pool has a single connection.
	rows.Close()

	var children []Child
	for _, c := range all {
		ok, err := evalTags(db, c.ID, f)
		if err != nil {
			return nil, err
		}
		if ok {
			children = append(children, c)
		}
	}
	return children, nil
}

// TagCandidate is one row of OpenTagCandidates: a tag name plus the number
// of currently-visible children that carry it, used for the
// frequency-descending ordering of the tag-listing view.
type TagCandidate struct {
	Name  string
	Count int
}

// OpenTagCandidates lists the tags carried by children of parentID that are
// visible under f and not already named in f.Include/f.Exclude, ordered by
// decreasing frequency then name.
func OpenTagCandidates(db *sql.DB, parentID int64, f metadata.Filter) ([]TagCandidate, error) {
	children, err := OpenChildren(db, parentID, f)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}

	excludeSet := make(map[string]struct{}, len(f.Include)+len(f.Exclude))
	for _, n := range f.Include {
		excludeSet[n] = struct{}{}
	}
	for _, n := range f.Exclude {
		excludeSet[n] = struct{}{}
	}

	counts := make(map[string]int)
	for _, c := range children {
		rows, err := db.Query(
			`select t.name from objects_tags ot
			 join objects t on t.id = ot.id_tag and t.type = ?
			 where ot.id_object = ?`,
			metadata.ObjectTag, c.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
			}
			if _, skip := excludeSet[name]; !skip {
				counts[name]++
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		rows.Close()
	}

	candidates := make([]TagCandidate, 0, len(counts))
	for name, count := range counts {
		candidates = append(candidates, TagCandidate{Name: name, Count: count})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Count != candidates[j].Count {
			return candidates[i].Count > candidates[j].Count
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates, nil
}

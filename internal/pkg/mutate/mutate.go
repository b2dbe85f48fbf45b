// Package mutate implements the mutation API: create, delete, rename and
// retag of the FILE/DIRECTORY object that a backing-store mutation
// corresponds to, within the one metadata file that models that object's
// parent directory.
//
// Create, Delete, Retag and RetagObject run after the matching FUSE verb has
// already succeeded against the backing store, and return the mark.Delta
// their caller must feed into mark.Propagate rooted one level above the
// directory whose metadata file was mutated.
package mutate

import (
	"database/sql"
	"fmt"

	"github.com/cyberhuman/beholdfs/internal/pkg/mark"
	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
)

// RootID returns the id of the seeded root DIRECTORY object of db; the
// id_parent every top-level object in a metadata file is created under.
func RootID(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(`select id from objects where id_parent is null and type = ? and name = '/'`,
		metadata.ObjectDirectory).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return id, nil
}

// Create ensures name does not already exist under parentID, inserts it as
// objType, records its self and parent ownership edges, and links every tag
// in includeTags (creating TAG objects as needed). Fails with
// metadata.ErrExists if the final component already exists.
func Create(db *sql.DB, parentID int64, name string, objType metadata.ObjectType, includeTags []string) (id int64, delta mark.Delta, err error) {
	var existing int
	if err := db.QueryRow(`select count(*) from objects where id_parent = ? and name = ?`, parentID, name).Scan(&existing); err != nil {
		return 0, mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if existing > 0 {
		return 0, mark.Delta{}, metadata.ErrExists
	}

	res, err := db.Exec(`insert into objects ( id_parent, type, name ) values ( ?, ?, ? )`, parentID, objType, name)
	if err != nil {
		return 0, mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	if err := addOwnerEdges(db, parentID, id); err != nil {
		return 0, mark.Delta{}, err
	}

	for _, tag := range includeTags {
		if err := linkTag(db, id, tag); err != nil {
			return 0, mark.Delta{}, err
		}
	}

	return id, mark.Delta{Added: includeTags}, nil
}

// Delete locates name under parentID, removes it (ON DELETE CASCADE drops
// its ownership and tag-link rows), and garbage-collects any TAG object
// left with no remaining links. Returns the tags the object carried, so the
// caller can mark its parent with that removal delta.
func Delete(db *sql.DB, parentID int64, name string) (delta mark.Delta, err error) {
	var id int64
	if err := db.QueryRow(`select id from objects where id_parent = ? and name = ?`, parentID, name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return mark.Delta{}, metadata.ErrNotFound
		}
		return mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	oldTags, err := tagsOf(db, id)
	if err != nil {
		return mark.Delta{}, err
	}

	if _, err := db.Exec(`delete from objects where id = ?`, id); err != nil {
		return mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	if err := gcTags(db, oldTags); err != nil {
		return mark.Delta{}, err
	}

	return mark.Delta{Removed: oldTags}, nil
}

// Retag replaces name's tag links with exactly newTags; semantically
// removing every existing link then adding each element of newTags. Returns
// the net delta for the mark engine.
func Retag(db *sql.DB, parentID int64, name string, newTags []string) (delta mark.Delta, err error) {
	var id int64
	if err := db.QueryRow(`select id from objects where id_parent = ? and name = ?`, parentID, name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return mark.Delta{}, metadata.ErrNotFound
		}
		return mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return RetagObject(db, id, newTags)
}

// RetagObject is Retag once the object id is already known (used by the
// FUSE xattr interception, which has already looked the id up itself).
func RetagObject(db *sql.DB, id int64, newTags []string) (delta mark.Delta, err error) {
	oldTags, err := tagsOf(db, id)
	if err != nil {
		return mark.Delta{}, err
	}

	oldSet := toSet(oldTags)
	newSet := toSet(newTags)

	var added, removed []string
	for _, t := range newTags {
		if _, ok := oldSet[t]; !ok {
			added = append(added, t)
		}
	}
	for _, t := range oldTags {
		if _, ok := newSet[t]; !ok {
			removed = append(removed, t)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return mark.Delta{}, nil
	}

	if _, err := db.Exec(`delete from objects_tags where id_object = ?`, id); err != nil {
		return mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	for _, tag := range newTags {
		if err := linkTag(db, id, tag); err != nil {
			return mark.Delta{}, err
		}
	}
	if err := gcTags(db, removed); err != nil {
		return mark.Delta{}, err
	}

	return mark.Delta{Added: added, Removed: removed}, nil
}

// Rename moves name from srcParentID to dstParentID under dstName (the same
// db in both cases; a cross-metadata-file rename is delete-then-create
// driven by the FUSE adapter, which owns both directories' connections).
// When srcParentID == dstParentID this is an in-place rename of the object's
// own name/parent columns, observably equivalent to delete-then-create
// because the tag set is untouched. It returns the renamed object's own
// tags so the caller can mark both the source and destination parent
// directories.
func Rename(db *sql.DB, srcParentID int64, srcName string, dstParentID int64, dstName string) (id int64, tags []string, err error) {
	var existing int
	if err := db.QueryRow(`select count(*) from objects where id_parent = ? and name = ?`, dstParentID, dstName).Scan(&existing); err != nil {
		return 0, nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if existing > 0 {
		return 0, nil, metadata.ErrExists
	}

	if err := db.QueryRow(`select id from objects where id_parent = ? and name = ?`, srcParentID, srcName).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, metadata.ErrNotFound
		}
		return 0, nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	if _, err := db.Exec(`update objects set id_parent = ?, name = ? where id = ?`, dstParentID, dstName, id); err != nil {
		return 0, nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if srcParentID != dstParentID {
		if _, err := db.Exec(`insert or ignore into objects_owners ( id_owner, id_object ) values ( ?, ? )`, dstParentID, id); err != nil {
			return 0, nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if _, err := db.Exec(`delete from objects_owners where id_owner = ? and id_object = ? and id_owner != id_object`, srcParentID, id); err != nil {
			return 0, nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
	}

	tags, err = tagsOf(db, id)
	if err != nil {
		return 0, nil, err
	}
	return id, tags, nil
}

// Tags returns the tag names currently linked to name under parentID, used
// by the FUSE adapter's Getxattr interception of the "user.tags" extended
// attribute.
func Tags(db *sql.DB, parentID int64, name string) ([]string, error) {
	var id int64
	if err := db.QueryRow(`select id from objects where id_parent = ? and name = ?`, parentID, name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, metadata.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return tagsOf(db, id)
}

func addOwnerEdges(db *sql.DB, parentID, id int64) error {
	if _, err := db.Exec(`insert or ignore into objects_owners ( id_owner, id_object ) values ( ?, ? )`, id, id); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if _, err := db.Exec(`insert or ignore into objects_owners ( id_owner, id_object ) values ( ?, ? )`, parentID, id); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

// linkTag links objID to tagName as a strong tag; the link a client asked
// for directly, as opposed to the weak links the mark engine (internal/pkg/mark)
// writes while propagating inherited tags upward. A link that already exists
// weakly (recorded while some descendant carried the tag) is upgraded to
// strong rather than duplicated, so a directory's own explicit tag survives
// even if every descendant that originally justified it is later untagged.
func linkTag(db *sql.DB, objID int64, tagName string) error {
	tagID, err := findOrCreateTag(db, tagName)
	if err != nil {
		return err
	}
	if _, err := db.Exec(
		`insert into objects_tags ( id_object, id_tag, strong ) values ( ?, ?, 1 )
		 on conflict ( id_object, id_tag ) do update set strong = 1`,
		objID, tagID,
	); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

func findOrCreateTag(db *sql.DB, name string) (int64, error) {
	var id int64
	err := db.QueryRow(`select id from objects where id_parent is null and type = ? and name = ?`,
		metadata.ObjectTag, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	res, err := db.Exec(`insert into objects ( id_parent, type, name ) values ( null, ?, ? )`, metadata.ObjectTag, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return res.LastInsertId()
}

func tagsOf(db *sql.DB, id int64) ([]string, error) {
	rows, err := db.Query(
		`select t.name from objects_tags ot join objects t on t.id = ot.id_tag and t.type = ? where ot.id_object = ?`,
		metadata.ObjectTag, id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		tags = append(tags, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return tags, nil
}

// gcTags removes any TAG object in names that no longer has a single
// objects_tags row referencing it.
func gcTags(db *sql.DB, names []string) error {
	for _, name := range names {
		var linkCount int
		if err := db.QueryRow(
			`select count(*) from objects_tags ot join objects t on t.id = ot.id_tag where t.type = ? and t.name = ?`,
			metadata.ObjectTag, name,
		).Scan(&linkCount); err != nil {
			return fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if linkCount == 0 {
			if _, err := db.Exec(`delete from objects where id_parent is null and type = ? and name = ?`, metadata.ObjectTag, name); err != nil {
				return fmt.Errorf("%w: %s", metadata.ErrIO, err)
			}
		}
	}
	return nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

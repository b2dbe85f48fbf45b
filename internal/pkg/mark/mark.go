// Package mark implements the mark engine: after a child object's tag set
// changes, it recomputes the parent directory's inherited ("weak") tag
// summary and recurses upward, one metadata file per level, until the
// mount root is reached, a level has no metadata file, or both deltas are
// empty.
//
// Each level's delta is "tags newly introduced at this level" and "tags no
// longer represented at this level", computed relative to the other
// children of the same parent, under a per-level savepoint. A metadata
// file holds only its own directory's immediate children (internal/pkg/filter's
// package doc explains why this makes a child directory's own objects_tags
// rows already its up-to-date weak summary).
package mark

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyberhuman/beholdfs/internal/pkg/config"
	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
	"github.com/cyberhuman/beholdfs/internal/pkg/store"
)

// Delta is the net set of tag names a child object gained and lost in one
// mutation.
type Delta struct {
	Added   []string
	Removed []string
}

// Empty reports whether the delta carries no change; the walk's second
// termination condition.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Propagate applies delta to childID (whose own objects_tags rows the
// caller has already updated) and, if the directory at realDir's level
// gains or loses tags as a result, continues the walk into realDir's
// parent directory. mountRoot stops the walk even if a metadata file
// happens to exist above it.
func Propagate(db *sql.DB, parentID, childID int64, delta Delta, realDir, mountRoot string) error {
	if delta.Empty() {
		return nil
	}

	savepoint := fmt.Sprintf("mark_%d", childID)
	if err := store.Begin(db, savepoint); err != nil {
		return err
	}
	up, err := step(db, parentID, childID, delta)
	if err := store.EndResult(db, savepoint, err); err != nil {
		return err
	}

	if up.Empty() {
		return nil
	}
	if realDir == mountRoot {
		return nil
	}

	parentDir := filepath.Dir(realDir)
	metaPath := filepath.Join(parentDir, config.MetaFileName)
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	parentDB, err := store.Open(metaPath)
	if err != nil {
		return err
	}
	defer parentDB.Close()

	rootID, err := rootObjectID(parentDB.DB)
	if err != nil {
		return err
	}
	name := filepath.Base(realDir)
	entryID, err := findOrCreateEntry(parentDB.DB, rootID, name)
	if err != nil {
		return err
	}
	applied, err := applyDelta(parentDB.DB, entryID, up)
	if err != nil {
		return err
	}

	// Recurse with what actually changed at this entry, not with up: a tag
	// applyDelta left untouched (entryID already carried it, strongly or
	// weakly) did not change what this directory reports to its own parent,
	// so re-asserting it a level further would desynchronize the
	// grandparent's summary from reality.
	return Propagate(parentDB.DB, rootID, entryID, applied, parentDir, mountRoot)
}

// step computes the delta that must propagate to this directory's own
// entry one level up: a tag is newly "introduced" at this level only if no
// other child already carried it, and "no longer represented" only if no
// other child still carries it.
func step(db *sql.DB, parentID, childID int64, delta Delta) (Delta, error) {
	var up Delta
	for _, name := range delta.Added {
		has, err := otherChildHasTag(db, parentID, childID, name)
		if err != nil {
			return Delta{}, err
		}
		if !has {
			up.Added = append(up.Added, name)
		}
	}
	for _, name := range delta.Removed {
		has, err := otherChildHasTag(db, parentID, childID, name)
		if err != nil {
			return Delta{}, err
		}
		if !has {
			up.Removed = append(up.Removed, name)
		}
	}
	return up, nil
}

func otherChildHasTag(db *sql.DB, parentID, excludeChildID int64, tagName string) (bool, error) {
	var found int
	err := db.QueryRow(
		`select 1 from objects o
		 join objects_tags ot on ot.id_object = o.id
		 join objects t on t.id = ot.id_tag and t.type = ?
		 where o.id_parent = ? and o.id != ? and t.name = ?
		 limit 1`,
		metadata.ObjectTag, parentID, excludeChildID, tagName,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return true, nil
}

func rootObjectID(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(`select id from objects where id_parent is null and type = ? and name = '/'`,
		metadata.ObjectDirectory).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return id, nil
}

// findOrCreateEntry returns the id of the DIRECTORY object named name
// under parentID, creating it if this is the first time a descendant of
// it has needed to propagate a weak tag upward.
func findOrCreateEntry(db *sql.DB, parentID int64, name string) (int64, error) {
	var id int64
	err := db.QueryRow(`select id from objects where id_parent = ? and type = ? and name = ?`,
		parentID, metadata.ObjectDirectory, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	res, err := db.Exec(`insert into objects ( id_parent, type, name ) values ( ?, ?, ? )`,
		parentID, metadata.ObjectDirectory, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if _, err := db.Exec(`insert or ignore into objects_owners ( id_owner, id_object ) values ( ?, ? )`, id, id); err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if _, err := db.Exec(`insert or ignore into objects_owners ( id_owner, id_object ) values ( ?, ? )`, parentID, id); err != nil {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return id, nil
}

// applyDelta adds delta.Added tags (creating TAG objects as needed) and
// removes delta.Removed tags from entryID's own links.
//
// Both sides are marked "weak" (strong = 0): mark only ever infers a
// directory's tags from its descendants, it never asserts one directly. A
// link added here is skipped (insert or ignore) if entryID already carries
// it strongly; an explicit tag a client put on the directory itself is
// never downgraded by what its children happen to carry. Symmetrically, a
// removal here only deletes the row when it is still weak (strong = 0): a
// directory's own explicit tag must survive even after the last descendant
// that originally justified it loses the tag; only a directory's own
// explicit tags can hide it via exclusion, and those are never mark's to
// remove.
// applyDelta returns the subset of delta that actually changed entryID's own
// links, so Propagate can recurse with what this directory's summary really
// did change rather than with delta verbatim (see Propagate's comment).
func applyDelta(db *sql.DB, entryID int64, delta Delta) (Delta, error) {
	var applied Delta
	for _, name := range delta.Added {
		tagID, err := findOrCreateTag(db, name)
		if err != nil {
			return Delta{}, err
		}
		res, err := db.Exec(
			`insert or ignore into objects_tags ( id_object, id_tag, strong ) values ( ?, ?, 0 )`,
			entryID, tagID,
		)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Added = append(applied.Added, name)
		}
	}
	for _, name := range delta.Removed {
		res, err := db.Exec(
			`delete from objects_tags where id_object = ? and strong = 0
			 and id_tag in ( select id from objects where type = ? and name = ? )`,
			entryID, metadata.ObjectTag, name,
		)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Removed = append(applied.Removed, name)
		}
	}
	return applied, nil
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

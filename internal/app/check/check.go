// Package check implements the offline mark-recovery tool exposed by
// cmd/beholdfs-check: a bottom-up walk of the backing tree that re-asserts
// every tracked object's current tags into its ancestors' weak summaries,
// for use after a crash, a manually edited metadata file, or a restore from
// backup leaves the per-directory mark state stale.
//
// Rebuild only re-adds tags; it does not retract a weak tag an ancestor
// still carries from a child that no longer has it, since nothing here can
// tell "this ancestor tag is stale" apart from "this ancestor tag covers a
// sibling subtree not part of the current Rebuild call". A full
// reconciliation would need to recompute every ancestor's weak set from
// scratch rather than patch it incrementally.
package check

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyberhuman/beholdfs/internal/pkg/config"
	"github.com/cyberhuman/beholdfs/internal/pkg/mark"
	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
	"github.com/cyberhuman/beholdfs/internal/pkg/mutate"
	"github.com/cyberhuman/beholdfs/internal/pkg/store"
)

// Rebuild walks root depth-first, post-order, and for every directory that
// owns a metadata file, re-propagates each of its tracked objects' current
// tags into the weak summaries of the directories above it.
func Rebuild(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("check: resolve %s: %w", root, err)
	}
	return rebuildDir(abs, abs)
}

func rebuildDir(mountRoot, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("check: read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := rebuildDir(mountRoot, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	metaPath := filepath.Join(dir, config.MetaFileName)
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("check: stat %s: %w", metaPath, err)
	}

	mdb, err := store.Open(metaPath)
	if err != nil {
		return fmt.Errorf("check: open %s: %w", metaPath, err)
	}
	defer mdb.Close()

	rootID, err := mutate.RootID(mdb.DB)
	if err != nil {
		return err
	}

	rows, err := mdb.Query(
		`select id, name from objects where id_parent = ? and type != ?`,
		rootID, metadata.ObjectTag,
	)
	if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	type entryTag struct {
		id   int64
		name string
	}
	var children []entryTag
	for rows.Next() {
		var e entryTag
		if err := rows.Scan(&e.id, &e.name); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		children = append(children, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	rows.Close()

	for _, e := range children {
		tags, err := mutate.Tags(mdb.DB, rootID, e.name)
		if err != nil {
			return err
		}
		if len(tags) == 0 {
			continue
		}
		if err := mark.Propagate(mdb.DB, rootID, e.id, mark.Delta{Added: tags}, dir, mountRoot); err != nil {
			return err
		}
	}

	return nil
}

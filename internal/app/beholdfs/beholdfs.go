// Package beholdfs is the FUSE adapter: it translates bazil.org/fuse node
// operations into path parsing, filter evaluation, mark propagation and
// mutation calls, and forwards every ordinary file operation 1:1 to the
// backing store. It implements the directory iterator for both the normal
// and tag-listing views, and owns the metadata connection's lifetime.
//
// bazil.org/fuse's fs.HandleReadDirAller already returns one complete
// Dirent slice per call and replays it at whatever offset the kernel asks
// for, so there is no readdir replay buffer to maintain here. What this
// package does own is the metadata connection's lifetime: every Dir method
// that needs the store opens it and closes it before returning, so nothing
// outlives one FUSE request; a mutating method does its store work inside
// one savepoint.
package beholdfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/cyberhuman/beholdfs/internal/pkg/config"
	"github.com/cyberhuman/beholdfs/internal/pkg/filter"
	"github.com/cyberhuman/beholdfs/internal/pkg/mark"
	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
	"github.com/cyberhuman/beholdfs/internal/pkg/mutate"
	"github.com/cyberhuman/beholdfs/internal/pkg/pathparse"
	"github.com/cyberhuman/beholdfs/internal/pkg/storage"
	"github.com/cyberhuman/beholdfs/internal/pkg/store"
)

// userTagsXattr is the reserved xattr name: reading it returns the
// sigil-prefixed concatenation of a file's tags, writing it performs a
// retag.
const userTagsXattr = "user.tags"

// Mount opens fsroot as the backing store and serves the tag-filtered view
// at mountpoint until the kernel unmounts it or an error occurs.
func Mount(fsroot, mountpoint string, opts config.Options) error {
	root, err := filepath.Abs(fsroot)
	if err != nil {
		return fmt.Errorf("beholdfs: resolve fsroot: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("beholdfs: fsroot %s is not a directory", root)
	}

	c, err := fuse.Mount(mountpoint,
		fuse.FSName("beholdfs"),
		fuse.Subtype("beholdfs"),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	filesys := &FS{
		root:    root,
		opts:    opts,
		storage: storage.Local{Root: root},
	}
	if err := fs.Serve(c, filesys); err != nil {
		return err
	}

	<-c.Ready
	if err := c.MountError; err != nil {
		return err
	}
	return nil
}

// FS is the bazil.org/fuse filesystem root. It holds nothing request-scoped
// beyond the immutable mount options and the backing-store root.
type FS struct {
	root    string
	opts    config.Options
	storage storage.FileStorage
}

var _ fs.FS = (*FS)(nil)

func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f, realPath: "."}, nil
}

// toErrno maps the core's error kinds onto POSIX errno values. Hidden-
// directory traversal is handled by callers before this is reached (a
// hidden directory must still succeed), so ErrHidden here always means a
// hidden file.
func toErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrMalformedPath), errors.Is(err, metadata.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, metadata.ErrHidden):
		return syscall.EACCES
	case errors.Is(err, metadata.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, metadata.ErrVersionTooNew):
		return syscall.ENOTSUP
	case errors.Is(err, metadata.ErrIO), errors.Is(err, metadata.ErrInternal):
		return syscall.EIO
	default:
		return err
	}
}

// mergeFilter concatenates two accumulated filters, used when successive
// tag segments (possibly glued, possibly split across several Lookup calls)
// refine the filter in effect at the current real directory.
func mergeFilter(a, b metadata.Filter) metadata.Filter {
	return metadata.Filter{
		Include: append(append([]string{}, a.Include...), b.Include...),
		Exclude: append(append([]string{}, a.Exclude...), b.Exclude...),
		Listing: a.Listing || b.Listing,
	}
}

// join appends name to a dot-prefixed real path the way pathparse.Parse
// builds one, so Dir/File realPath fields stay compatible with
// metadata.ParsedPath.RealPath.
func join(realPath, name string) string {
	if realPath == "." || realPath == "" {
		return "./" + name
	}
	return realPath + "/" + name
}

// Dir is one real backing-store directory, possibly with a filter
// accumulated from the tag segments of the virtual path so far. The filter
// stays in effect for the rest of the path: descending into a real child
// directory carries it along, so the final component of a virtual path is
// evaluated against every tag segment the path mentions, each against the
// metadata file of the directory it is looked up in.
type Dir struct {
	fs       *FS
	realPath string
	filter   metadata.Filter
}

var _ fs.Node = (*Dir)(nil)

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	info, err := d.fs.storage.Lstat(d.realPath)
	if err != nil {
		return toErrno(fmt.Errorf("%w: %s", metadata.ErrIO, err))
	}
	fillAttr(a, info)
	return nil
}

// metaPath is this directory's metadata file path, relative to fs.root.
func (d *Dir) metaPath() string {
	return join(d.realPath, config.MetaFileName)
}

// absPath is this directory's absolute backing-store path, used by the mark
// engine which walks real filesystem directories rather than storage's
// mount-relative names.
func (d *Dir) absPath() string {
	return filepath.Join(d.fs.root, d.realPath)
}

// openStoreReadOnly opens this directory's metadata file only if it already
// exists. A lookup must never create a metadata file; only a mutation
// does, lazily, via openStoreForWrite.
func (d *Dir) openStoreReadOnly() (*store.DB, error) {
	if _, err := d.fs.storage.Lstat(d.metaPath()); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return store.Open(filepath.Join(d.fs.root, d.metaPath()))
}

// openStoreForWrite opens (creating if absent) this directory's metadata
// file for a mutation.
func (d *Dir) openStoreForWrite() (*store.DB, error) {
	return store.Open(filepath.Join(d.fs.root, d.metaPath()))
}

// visible decides whether name is shown under d's accumulated filter,
// distinguishing "not found at all" from "hidden by filter". When the
// filter is empty the backing store alone decides. When no metadata file
// has ever been created for this directory, nothing has ever been tagged
// here: an include-based filter hides everything, an exclude-only filter
// hides nothing.
func (d *Dir) visible(name string) (ok bool, isDir bool, err error) {
	full := join(d.realPath, name)
	info, statErr := d.fs.storage.Lstat(full)

	if d.filter.Empty() {
		if statErr != nil {
			return false, false, metadata.ErrNotFound
		}
		return true, info.IsDir(), nil
	}

	mdb, err := d.openStoreReadOnly()
	if err != nil {
		return false, false, err
	}
	if mdb == nil {
		if statErr != nil {
			return false, false, metadata.ErrNotFound
		}
		return len(d.filter.Include) == 0, info.IsDir(), nil
	}
	defer mdb.Close()

	rootID, err := mutate.RootID(mdb.DB)
	if err != nil {
		return false, false, err
	}
	visible, err := filter.Visible(mdb.DB, rootID, d.filter, name)
	if errors.Is(err, metadata.ErrNotFound) {
		// Backing entry exists but was never tagged; fall back to the same
		// rule as "no metadata file at all".
		if statErr != nil {
			return false, false, metadata.ErrNotFound
		}
		return len(d.filter.Include) == 0, info.IsDir(), nil
	}
	if err != nil {
		return false, false, err
	}
	if statErr != nil {
		return false, false, metadata.ErrNotFound
	}
	return visible, info.IsDir(), nil
}

var _ = fs.NodeRequestLookuper(&Dir{})

// Lookup resolves one virtual path component: a (possibly glued) tags
// segment refines the filter without descending the real tree; a plain
// name descends, checked against the filter accumulated so far.
func (d *Dir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fs.Node, error) {
	name := req.Name
	if name == config.MetaFileName {
		return nil, syscall.ENOENT
	}

	if pathparse.IsTagSegment(d.fs.opts.TagChar, name) {
		seg, err := pathparse.ParseSegment(d.fs.opts.TagChar, name)
		if err != nil {
			return nil, toErrno(err)
		}
		merged := mergeFilter(d.filter, seg)
		if merged.Listing {
			return &ListingDir{fs: d.fs, realPath: d.realPath, filter: merged}, nil
		}
		return &Dir{fs: d.fs, realPath: d.realPath, filter: merged}, nil
	}

	visible, isDir, err := d.visible(name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, syscall.ENOENT
	}
	if err != nil {
		return nil, toErrno(err)
	}
	if !visible {
		if !isDir {
			return nil, syscall.EACCES
		}
		// A tag filter never prevents traversal of an existing directory.
	}

	full := join(d.realPath, name)
	if isDir {
		return &Dir{fs: d.fs, realPath: full, filter: d.filter}, nil
	}
	return &File{fs: d.fs, realPath: full}, nil
}

var _ = fs.HandleReadDirAller(&Dir{})

// ReadDirAll merges the backing readdir with filter evaluation; this is the
// normal-listing mode, and ListingDir.ReadDirAll implements the other one.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names, err := d.fs.storage.Readdirnames(d.realPath)
	if err != nil {
		return nil, toErrno(fmt.Errorf("%w: %s", metadata.ErrIO, err))
	}

	var mdb *store.DB
	var rootID int64
	if !d.filter.Empty() {
		mdb, err = d.openStoreReadOnly()
		if err != nil {
			return nil, toErrno(err)
		}
		if mdb != nil {
			defer mdb.Close()
			rootID, err = mutate.RootID(mdb.DB)
			if err != nil {
				return nil, toErrno(err)
			}
		}
	}

	var res []fuse.Dirent
	for _, name := range names {
		if name == config.MetaFileName {
			continue
		}
		if !d.filter.Empty() {
			var ok bool
			if mdb == nil {
				ok = len(d.filter.Include) == 0
			} else {
				v, verr := filter.Visible(mdb.DB, rootID, d.filter, name)
				if errors.Is(verr, metadata.ErrNotFound) {
					ok = len(d.filter.Include) == 0
				} else if verr != nil {
					return nil, toErrno(verr)
				} else {
					ok = v
				}
			}
			if !ok {
				continue
			}
		}
		typ := fuse.DT_File
		if info, statErr := d.fs.storage.Lstat(join(d.realPath, name)); statErr == nil && info.IsDir() {
			typ = fuse.DT_Dir
		}
		res = append(res, fuse.Dirent{Name: name, Type: typ})
	}

	if d.fs.opts.ListSigil {
		res = append(res, fuse.Dirent{Name: string(d.fs.opts.TagChar), Type: fuse.DT_Dir})
	}
	return res, nil
}

// mutateAndMark drives one mutation call against this directory's metadata
// file inside a named savepoint, then feeds the resulting delta into the
// mark engine rooted one level above. do returns the id of the child object
// it mutated so the mark engine can exclude that object's own row when
// deciding whether a tag is already represented by a sibling; passing the
// wrong id here would make a freshly tagged object's own row count as
// "another child already has this tag" and silently swallow the upward
// propagation.
func (d *Dir) mutateAndMark(savepointName string, do func(db *store.DB, rootID int64) (childID int64, delta mark.Delta, err error)) error {
	mdb, err := d.openStoreForWrite()
	if err != nil {
		return err
	}
	defer mdb.Close()

	rootID, err := mutate.RootID(mdb.DB)
	if err != nil {
		return err
	}

	if err := store.Begin(mdb.DB, savepointName); err != nil {
		return err
	}
	childID, delta, doErr := do(mdb, rootID)
	if err := store.EndResult(mdb.DB, savepointName, doErr); err != nil {
		return err
	}

	return mark.Propagate(mdb.DB, rootID, childID, delta, d.absPath(), d.fs.root)
}

var _ = fs.NodeMkdirer(&Dir{})

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	if d.filter.Listing || pathparse.IsTagSegment(d.fs.opts.TagChar, req.Name) || req.Name == config.MetaFileName {
		return nil, syscall.EPERM
	}
	full := join(d.realPath, req.Name)
	if err := d.fs.storage.Mkdir(full, req.Mode.Perm()); err != nil {
		return nil, err
	}

	includeTags := d.filter.Include
	err := d.mutateAndMark(fmt.Sprintf("mkdir_%s", req.Name), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		return mutate.Create(mdb.DB, rootID, req.Name, metadata.ObjectDirectory, includeTags)
	})
	if err != nil {
		d.fs.storage.Remove(full)
		return nil, toErrno(err)
	}
	return &Dir{fs: d.fs, realPath: full}, nil
}

var _ = fs.NodeCreater(&Dir{})

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	if d.filter.Listing || pathparse.IsTagSegment(d.fs.opts.TagChar, req.Name) || req.Name == config.MetaFileName {
		return nil, nil, syscall.EPERM
	}
	full := join(d.realPath, req.Name)
	file, err := d.fs.storage.Create(full)
	if err != nil {
		return nil, nil, err
	}

	includeTags := d.filter.Include
	err = d.mutateAndMark(fmt.Sprintf("create_%s", req.Name), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		return mutate.Create(mdb.DB, rootID, req.Name, metadata.ObjectFile, includeTags)
	})
	if err != nil {
		file.Close()
		d.fs.storage.Remove(full)
		return nil, nil, toErrno(err)
	}

	return &File{fs: d.fs, realPath: full}, &FileHandle{f: file}, nil
}

var _ = fs.NodeSymlinker(&Dir{})

func (d *Dir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	if d.filter.Listing || pathparse.IsTagSegment(d.fs.opts.TagChar, req.NewName) {
		return nil, syscall.EPERM
	}
	full := join(d.realPath, req.NewName)
	if err := d.fs.storage.Symlink(req.Target, full); err != nil {
		return nil, err
	}

	includeTags := d.filter.Include
	err := d.mutateAndMark(fmt.Sprintf("symlink_%s", req.NewName), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		return mutate.Create(mdb.DB, rootID, req.NewName, metadata.ObjectFile, includeTags)
	})
	if err != nil {
		d.fs.storage.Remove(full)
		return nil, toErrno(err)
	}
	return &File{fs: d.fs, realPath: full}, nil
}

var _ = fs.NodeLinker(&Dir{})

// Link creates a hard link to an existing managed file, tagging the new
// name with this directory's current filter, mirroring how Create tags a
// brand-new file.
func (d *Dir) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	oldFile, ok := old.(*File)
	if !ok {
		return nil, syscall.EPERM
	}
	full := join(d.realPath, req.NewName)
	if err := d.fs.storage.Link(oldFile.realPath, full); err != nil {
		return nil, err
	}

	includeTags := d.filter.Include
	err := d.mutateAndMark(fmt.Sprintf("link_%s", req.NewName), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		return mutate.Create(mdb.DB, rootID, req.NewName, metadata.ObjectFile, includeTags)
	})
	if err != nil {
		d.fs.storage.Remove(full)
		return nil, toErrno(err)
	}
	return &File{fs: d.fs, realPath: full}, nil
}

var _ = fs.NodeRemover(&Dir{})

// Remove unlinks/rmdirs the backing entry and then retires it from the
// metadata store, garbage-collecting any tag left with no remaining links;
// an object that was never tagged simply has nothing to mark. The deleted
// object's id is excluded from the mark engine's sibling check only as a
// formality; its row is already gone by the time Propagate queries for
// siblings.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	full := join(d.realPath, req.Name)
	if err := d.fs.storage.Remove(full); err != nil {
		return err
	}

	err := d.mutateAndMark(fmt.Sprintf("delete_%s", req.Name), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		delta, err := mutate.Delete(mdb.DB, rootID, req.Name)
		if errors.Is(err, metadata.ErrNotFound) {
			return 0, mark.Delta{}, nil
		}
		return 0, delta, err
	})
	return toErrno(err)
}

var _ = fs.NodeRenamer(&Dir{})

// Rename forwards the backing rename, then updates the metadata store: a
// same-directory rename preserves the tag set in place; a cross-directory
// rename is delete-then-create with the destination directory's current
// filter as the new tag set, preserving the source object's type.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	dst, ok := newDir.(*Dir)
	if !ok {
		return syscall.EPERM
	}
	srcFull := join(d.realPath, req.OldName)
	dstFull := join(dst.realPath, req.NewName)
	if err := d.fs.storage.Rename(srcFull, dstFull); err != nil {
		return err
	}

	if d.realPath == dst.realPath {
		err := d.mutateAndMark(fmt.Sprintf("rename_%s", req.OldName), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
			_, _, err := mutate.Rename(mdb.DB, rootID, req.OldName, rootID, req.NewName)
			if errors.Is(err, metadata.ErrNotFound) {
				return 0, mark.Delta{}, nil
			}
			// the object kept its own tags, so the parent's weak summary
			// is unaffected: an empty delta short-circuits Propagate.
			return 0, mark.Delta{}, err
		})
		return toErrno(err)
	}

	// Cross-directory: delete from the source, then create under the
	// destination's filter with the source object's type. An object the
	// source metadata never tracked falls back to the backing store's view
	// of what was just moved.
	objType := metadata.ObjectFile
	if info, statErr := d.fs.storage.Lstat(dstFull); statErr == nil && info.IsDir() {
		objType = metadata.ObjectDirectory
	}
	err := d.mutateAndMark(fmt.Sprintf("rename_out_%s", req.OldName), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		var typ int
		err := mdb.QueryRow(`select type from objects where id_parent = ? and name = ?`, rootID, req.OldName).Scan(&typ)
		if err == nil {
			objType = metadata.ObjectType(typ)
		} else if err != sql.ErrNoRows {
			return 0, mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		delta, err := mutate.Delete(mdb.DB, rootID, req.OldName)
		if errors.Is(err, metadata.ErrNotFound) {
			return 0, mark.Delta{}, nil
		}
		return 0, delta, err
	})
	if err != nil {
		return toErrno(err)
	}

	includeTags := dst.filter.Include
	err = dst.mutateAndMark(fmt.Sprintf("rename_in_%s", req.NewName), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		return mutate.Create(mdb.DB, rootID, req.NewName, objType, includeTags)
	})
	return toErrno(err)
}

// ListingDir represents the synthetic per-directory tag-candidate view
// requested by an empty tags segment (a bare sigil). It never touches the
// backing directory.
type ListingDir struct {
	fs       *FS
	realPath string
	filter   metadata.Filter
}

var _ fs.Node = (*ListingDir)(nil)

func (l *ListingDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o755
	return nil
}

var _ = fs.HandleReadDirAller(&ListingDir{})

// ReadDirAll returns the current tag candidates as a sequence of
// pseudo-directories, ordered by decreasing frequency.
func (l *ListingDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d := &Dir{fs: l.fs, realPath: l.realPath}
	mdb, err := d.openStoreReadOnly()
	if err != nil {
		return nil, toErrno(err)
	}
	if mdb == nil {
		return nil, nil
	}
	defer mdb.Close()

	rootID, err := mutate.RootID(mdb.DB)
	if err != nil {
		return nil, toErrno(err)
	}
	effective := l.filter
	effective.Listing = false
	candidates, err := filter.OpenTagCandidates(mdb.DB, rootID, effective)
	if err != nil {
		return nil, toErrno(err)
	}

	res := make([]fuse.Dirent, 0, len(candidates))
	for _, c := range candidates {
		res = append(res, fuse.Dirent{Name: c.Name, Type: fuse.DT_Dir})
	}
	return res, nil
}

var _ = fs.NodeRequestLookuper(&ListingDir{})

// Lookup applies a candidate tag name as a further include filter on the
// same real directory, the natural continuation of browsing into one of
// the listing view's entries.
func (l *ListingDir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fs.Node, error) {
	if pathparse.IsTagSegment(l.fs.opts.TagChar, req.Name) {
		seg, err := pathparse.ParseSegment(l.fs.opts.TagChar, req.Name)
		if err != nil {
			return nil, toErrno(err)
		}
		base := l.filter
		base.Listing = false
		return &Dir{fs: l.fs, realPath: l.realPath, filter: mergeFilter(base, seg)}, nil
	}
	return &TagCandidateDir{fs: l.fs, realPath: l.realPath, filter: l.filter, tag: req.Name}, nil
}

// TagCandidateDir is one entry of a tag-listing view: reported read-only
// with a single link count, and, if traversed further, equivalent to having
// included that tag.
type TagCandidateDir struct {
	fs       *FS
	realPath string
	filter   metadata.Filter
	tag      string
}

var _ fs.Node = (*TagCandidateDir)(nil)

func (t *TagCandidateDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o555
	a.Nlink = 1
	return nil
}

var _ = fs.HandleReadDirAller(&TagCandidateDir{})

func (t *TagCandidateDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return t.asDir().ReadDirAll(ctx)
}

var _ = fs.NodeRequestLookuper(&TagCandidateDir{})

// Lookup delegates to an equivalent Dir with the candidate tag folded in as
// a further include filter, so browsing past a tag-listing entry behaves
// exactly like having included that tag from the start.
func (t *TagCandidateDir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fs.Node, error) {
	d := t.asDir()
	return d.Lookup(ctx, req, resp)
}

func (t *TagCandidateDir) asDir() *Dir {
	f := mergeFilter(t.filter, metadata.Filter{Include: []string{t.tag}})
	f.Listing = false
	return &Dir{fs: t.fs, realPath: t.realPath, filter: f}
}

// File is a regular file exposed through the virtual view. Its realPath is
// always a real backing-store path; a file is a leaf, so unlike Dir it has
// no filter to apply to children.
type File struct {
	fs       *FS
	realPath string
}

var _ fs.Node = (*File)(nil)

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	info, err := f.fs.storage.Lstat(f.realPath)
	if err != nil {
		return toErrno(fmt.Errorf("%w: %s", metadata.ErrIO, err))
	}
	fillAttr(a, info)
	return nil
}

func (f *File) dirAndName() (parentPath, name string) {
	idx := strings.LastIndex(f.realPath, "/")
	if idx < 0 {
		return ".", f.realPath
	}
	parentPath = f.realPath[:idx]
	if parentPath == "" {
		parentPath = "."
	}
	return parentPath, f.realPath[idx+1:]
}

var _ = fs.NodeOpener(&File{})

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	file, err := f.fs.storage.Open(f.realPath)
	if err != nil {
		return nil, err
	}
	return &FileHandle{f: file}, nil
}

var _ = fs.NodeReadlinker(&File{})

func (f *File) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	return f.fs.storage.Readlink(f.realPath)
}

var _ = fs.NodeSetattrer(&File{})

// Setattr forwards chmod/truncate/chtimes 1:1 to the backing store.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		file, err := f.fs.storage.Open(f.realPath)
		if err != nil {
			return err
		}
		defer file.Close()
		if err := file.Truncate(int64(req.Size)); err != nil {
			return err
		}
	}
	if req.Valid.Mode() {
		if err := f.fs.storage.Chmod(f.realPath, req.Mode); err != nil {
			return err
		}
	}
	if req.Valid.Mtime() || req.Valid.Atime() {
		if err := f.fs.storage.Chtimes(f.realPath, req.Atime, req.Mtime); err != nil {
			return err
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

var _ = fs.NodeGetxattrer(&File{})

// Getxattr implements the reserved "user.tags" interface: its value is the
// sigil-prefixed concatenation of the file's current tags.
func (f *File) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	if req.Name != userTagsXattr {
		return fuse.ErrNoXattr
	}
	tags, err := f.tags()
	if err != nil {
		return toErrno(err)
	}
	var b strings.Builder
	for _, t := range tags {
		b.WriteByte(f.fs.opts.TagChar)
		b.WriteString(t)
	}
	value := []byte(b.String())
	if req.Size != 0 && uint32(len(value)) > req.Size {
		return fuse.Errno(syscall.ERANGE)
	}
	resp.Xattr = value
	return nil
}

var _ = fs.NodeListxattrer(&File{})

func (f *File) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	resp.Append(userTagsXattr)
	return nil
}

var _ = fs.NodeSetxattrer(&File{})

// Setxattr on "user.tags" performs a retag: the value is parsed with the
// same grammar as a path's tags segment, reusing the path parser rather
// than inventing a second tag-list syntax.
func (f *File) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	if req.Name != userTagsXattr {
		return fuse.ErrNoXattr
	}
	value := string(req.Xattr)
	var newTags []string
	if value != "" {
		seg, err := pathparse.ParseSegment(f.fs.opts.TagChar, value)
		if err != nil {
			return toErrno(err)
		}
		if len(seg.Exclude) != 0 {
			return toErrno(metadata.ErrMalformedPath)
		}
		newTags = seg.Include
	}
	return toErrno(f.retag(newTags))
}

var _ = fs.NodeRemovexattrer(&File{})

// Removexattr on "user.tags" clears every tag the file carries, the same
// retag path Setxattr uses with an empty tag set.
func (f *File) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	if req.Name != userTagsXattr {
		return fuse.ErrNoXattr
	}
	return toErrno(f.retag(nil))
}

func (f *File) tags() ([]string, error) {
	parentPath, name := f.dirAndName()
	d := &Dir{fs: f.fs, realPath: parentPath}
	mdb, err := d.openStoreReadOnly()
	if err != nil {
		return nil, err
	}
	if mdb == nil {
		return nil, nil
	}
	defer mdb.Close()
	rootID, err := mutate.RootID(mdb.DB)
	if err != nil {
		return nil, err
	}
	tags, err := mutate.Tags(mdb.DB, rootID, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil
	}
	return tags, err
}

// retag applies newTags to name's object, creating that object (if the
// backing file predates any metadata tracking of it) with newTags as its
// initial tag set.
func (f *File) retag(newTags []string) error {
	parentPath, name := f.dirAndName()
	d := &Dir{fs: f.fs, realPath: parentPath}
	return d.mutateAndMark(fmt.Sprintf("retag_%s", name), func(mdb *store.DB, rootID int64) (int64, mark.Delta, error) {
		var id int64
		err := mdb.QueryRow(`select id from objects where id_parent = ? and name = ?`, rootID, name).Scan(&id)
		if err == sql.ErrNoRows {
			return mutate.Create(mdb.DB, rootID, name, metadata.ObjectFile, newTags)
		}
		if err != nil {
			return 0, mark.Delta{}, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		delta, err := mutate.RetagObject(mdb.DB, id, newTags)
		return id, delta, err
	})
}

// FileHandle is an open backing-store file.
type FileHandle struct {
	f storage.File
}

var _ fs.Handle = (*FileHandle)(nil)
var _ fs.HandleReleaser = (*FileHandle)(nil)

func (fh *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return fh.f.Close()
}

var _ = fs.HandleReader(&FileHandle{})

func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := fh.f.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	resp.Data = buf[:n]
	return nil
}

var _ = fs.HandleWriter(&FileHandle{})

func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := fh.f.WriteAt(req.Data, req.Offset)
	resp.Size = n
	return err
}

func fillAttr(a *fuse.Attr, info os.FileInfo) {
	a.Size = uint64(info.Size())
	a.Mode = info.Mode()
	a.Mtime = info.ModTime()
	a.Nlink = 1
	ctime, crtime := statTimes(info)
	a.Ctime = ctime
	a.Crtime = crtime
}

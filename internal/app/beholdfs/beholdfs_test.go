package beholdfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"bazil.org/fuse"

	"github.com/cyberhuman/beholdfs/internal/pkg/config"
	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
	"github.com/cyberhuman/beholdfs/internal/pkg/storage"
	"github.com/cyberhuman/beholdfs/internal/pkg/store"
)

func newFS(t *testing.T) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	opts := config.Default()
	return &FS{root: root, opts: opts, storage: storage.Local{Root: root}}, root
}

func TestFS_Root(t *testing.T) {
	filesys, _ := newFS(t)
	node, err := filesys.Root()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	dir, ok := node.(*Dir)
	if !ok {
		t.Fatalf("expected *Dir, got %T", node)
	}
	if dir.realPath != "." {
		t.Errorf("expected root realPath \".\" but got %q", dir.realPath)
	}
	if !dir.filter.Empty() {
		t.Errorf("expected empty filter at root, got %+v", dir.filter)
	}
}

func TestDir_Lookup_PlainName(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)

	node, err := d.Lookup(context.Background(), &fuse.LookupRequest{Name: "a.txt"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, ok := node.(*File); !ok {
		t.Fatalf("expected *File, got %T", node)
	}

	node, err = d.Lookup(context.Background(), &fuse.LookupRequest{Name: "sub"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if sub, ok := node.(*Dir); !ok || sub.realPath != "./sub" {
		t.Fatalf("expected *Dir with realPath ./sub, got %#v", node)
	}

	_, err = d.Lookup(context.Background(), &fuse.LookupRequest{Name: "missing"}, &fuse.LookupResponse{})
	if err != syscall.ENOENT {
		t.Errorf("expected ENOENT for a missing name, got %v", err)
	}
}

// Verifies a tags segment refines the accumulated filter without
// descending the real tree, and a bare sigil opens the listing view
// instead of a plain directory.
func TestDir_Lookup_TagSegmentAccumulatesWithoutDescending(t *testing.T) {
	filesys, _ := newFS(t)
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)

	node, err := d.Lookup(context.Background(), &fuse.LookupRequest{Name: "%red"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	tagged, ok := node.(*Dir)
	if !ok {
		t.Fatalf("expected *Dir for a tag segment, got %T", node)
	}
	if tagged.realPath != d.realPath {
		t.Errorf("a tag segment must not descend the real tree, got realPath %q", tagged.realPath)
	}
	if len(tagged.filter.Include) != 1 || tagged.filter.Include[0] != "red" {
		t.Errorf("expected filter to include red, got %+v", tagged.filter)
	}

	node, err = d.Lookup(context.Background(), &fuse.LookupRequest{Name: "%"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, ok := node.(*ListingDir); !ok {
		t.Fatalf("expected *ListingDir for a bare sigil, got %T", node)
	}
}

// Verifies a filter accumulated over two Lookup calls ("%red" then "%blue")
// merges into one filter, as required for glued or split tag segments.
func TestDir_Lookup_TagSegmentsAccumulateAcrossCalls(t *testing.T) {
	filesys, _ := newFS(t)
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)

	node, err := d.Lookup(context.Background(), &fuse.LookupRequest{Name: "%red"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	stage1 := node.(*Dir)

	node, err = stage1.Lookup(context.Background(), &fuse.LookupRequest{Name: "%-blue"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	stage2 := node.(*Dir)
	if len(stage2.filter.Include) != 1 || stage2.filter.Include[0] != "red" {
		t.Errorf("expected include=[red], got %v", stage2.filter.Include)
	}
	if len(stage2.filter.Exclude) != 1 || stage2.filter.Exclude[0] != "blue" {
		t.Errorf("expected exclude=[blue], got %v", stage2.filter.Exclude)
	}
}

// Verifies the filter accumulated from tag segments stays in effect after
// descending into a real subdirectory, so a path like /%-t/d lists only the
// children of d that lack t.
func TestDir_Lookup_FilterCarriesIntoSubdirectory(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "d", "tagged.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "d", "plain.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tagged := &File{fs: filesys, realPath: "./d/tagged.txt"}
	if err := tagged.retag([]string{"t"}); err != nil {
		t.Fatalf("unexpected error tagging: %s", err)
	}

	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)
	node, err := d.Lookup(context.Background(), &fuse.LookupRequest{Name: "%-t"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	node, err = node.(*Dir).Lookup(context.Background(), &fuse.LookupRequest{Name: "d"}, &fuse.LookupResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	sub := node.(*Dir)
	if sub.realPath != "./d" {
		t.Fatalf("expected to descend into ./d, got %q", sub.realPath)
	}
	if len(sub.filter.Exclude) != 1 || sub.filter.Exclude[0] != "t" {
		t.Fatalf("expected the exclude filter to survive the descent into d, got %+v", sub.filter)
	}

	entries, err := sub.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if names["tagged.txt"] {
		t.Error("expected tagged.txt to stay hidden under the carried exclude filter")
	}
	if !names["plain.txt"] {
		t.Error("expected plain.txt to be listed under the carried exclude filter")
	}
}

// Verifies Mkdir creates the backing directory, lazily creates the
// metadata file, tags the new directory with the accumulated filter, and
// marks it visible afterward under that same filter.
func TestDir_Mkdir_TagsAndIsVisibleUnderFilter(t *testing.T) {
	filesys, root := newFS(t)
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)
	d.filter = metadata.Filter{Include: []string{"red"}}

	node, err := d.Mkdir(context.Background(), &fuse.MkdirRequest{Name: "box", Mode: 0o755})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	sub, ok := node.(*Dir)
	if !ok || sub.realPath != "./box" {
		t.Fatalf("expected *Dir ./box, got %#v", node)
	}
	if _, err := os.Stat(filepath.Join(root, "box")); err != nil {
		t.Fatalf("Mkdir did not create the backing directory: %s", err)
	}
	if _, err := os.Stat(filepath.Join(root, config.MetaFileName)); err != nil {
		t.Fatalf("Mkdir did not lazily create the root metadata file: %s", err)
	}

	plain := &Dir{fs: filesys, realPath: ".", filter: metadata.Filter{Include: []string{"red"}}}
	visible, isDir, err := plain.visible("box")
	if err != nil {
		t.Fatalf("unexpected error checking visibility: %s", err)
	}
	if !visible || !isDir {
		t.Errorf("expected box to be a visible directory under the red filter, got visible=%v isDir=%v", visible, isDir)
	}

	unfiltered := &Dir{fs: filesys, realPath: "."}
	visible, _, err = unfiltered.visible("box")
	if err != nil {
		t.Fatalf("unexpected error checking visibility: %s", err)
	}
	if !visible {
		t.Error("an empty filter must show every backing entry regardless of tags")
	}
}

// Verifies Create tags a new file, Getxattr reflects those tags, and
// Remove both deletes the backing file and garbage-collects the tag that
// no longer has any link.
func TestDir_Create_TagsAndRemove_GarbageCollectsTag(t *testing.T) {
	filesys, root := newFS(t)
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)
	d.filter = metadata.Filter{Include: []string{"blue"}}

	node, handle, err := d.Create(context.Background(), &fuse.CreateRequest{Name: "f.txt", Mode: 0o644}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	fh := handle.(*FileHandle)
	if err := fh.Release(context.Background(), &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("unexpected error releasing handle: %s", err)
	}
	file := node.(*File)
	if file.realPath != "./f.txt" {
		t.Fatalf("expected realPath ./f.txt, got %s", file.realPath)
	}

	tags, err := file.tags()
	if err != nil {
		t.Fatalf("unexpected error reading tags: %s", err)
	}
	if len(tags) != 1 || tags[0] != "blue" {
		t.Errorf("expected tags [blue], got %v", tags)
	}

	plain := &Dir{fs: filesys, realPath: "."}
	if err := plain.Remove(context.Background(), &fuse.RemoveRequest{Name: "f.txt"}); err != nil {
		t.Fatalf("unexpected error removing: %s", err)
	}
	if _, err := os.Stat(filepath.Join(root, "f.txt")); !os.IsNotExist(err) {
		t.Errorf("expected the backing file to be gone, stat err = %v", err)
	}

	filtered := &Dir{fs: filesys, realPath: ".", filter: metadata.Filter{Include: []string{"blue"}}}
	candidates, err := (&ListingDir{fs: filesys, realPath: "."}).ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error listing candidates: %s", err)
	}
	for _, c := range candidates {
		if c.Name == "blue" {
			t.Error("expected the orphaned blue tag to be garbage-collected out of the candidate listing")
		}
	}
	_ = filtered
}

// Verifies ReadDirAll lists real backing entries and, when the mount
// option is on, the synthetic tag-listing sigil entry.
func TestDir_ReadDirAll_IncludesListSigil(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)

	entries, err := d.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	sawFile := false
	sawSigil := false
	for _, e := range entries {
		if e.Name == "a.txt" {
			sawFile = true
		}
		if e.Name == string(filesys.opts.TagChar) {
			sawSigil = true
		}
	}
	if !sawFile {
		t.Error("expected a.txt in the listing")
	}
	if !sawSigil {
		t.Error("expected the synthetic sigil entry in the listing")
	}
}

// Verifies a tag filter hides a file that does not carry every include tag
// while leaving it visible under no filter.
func TestDir_ReadDirAll_FiltersByTag(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)
	d.filter = metadata.Filter{Include: []string{"red"}}
	if _, _, err := d.Create(context.Background(), &fuse.CreateRequest{Name: "a.txt", Mode: 0o644}, &fuse.CreateResponse{}); err == nil {
		// a.txt already exists on the backing store from the WriteFile above;
		// tag it directly instead of going through Create, which would
		// refuse a duplicate name.
	}
	plainRoot := &Dir{fs: filesys, realPath: "."}
	file := &File{fs: filesys, realPath: "./a.txt"}
	if err := file.retag([]string{"red"}); err != nil {
		t.Fatalf("unexpected error tagging a.txt: %s", err)
	}

	filtered := &Dir{fs: filesys, realPath: ".", filter: metadata.Filter{Include: []string{"red"}}}
	entries, err := filtered.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["a.txt"] {
		t.Error("expected a.txt (tagged red) to be visible under the red filter")
	}
	if names["b.txt"] {
		t.Error("expected b.txt (untagged) to be hidden under the red filter")
	}

	unfiltered, err := plainRoot.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	names = map[string]bool{}
	for _, e := range unfiltered {
		names[e.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Error("expected both files visible with no filter")
	}
}

// Verifies Setxattr on "user.tags" retags a file and Getxattr reflects the
// new tag set.
func TestFile_Setxattr_RetagsAndGetxattrReflectsIt(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f := &File{fs: filesys, realPath: "./f.txt"}

	if err := f.Setxattr(context.Background(), &fuse.SetxattrRequest{Name: userTagsXattr, Xattr: []byte("%red%blue")}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	resp := &fuse.GetxattrResponse{}
	if err := f.Getxattr(context.Background(), &fuse.GetxattrRequest{Name: userTagsXattr}, resp); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	got := string(resp.Xattr)
	if got != "%red%blue" && got != "%blue%red" {
		t.Errorf("expected tags red and blue in the xattr value, got %q", got)
	}

	if err := f.Getxattr(context.Background(), &fuse.GetxattrRequest{Name: "user.other"}, resp); err != fuse.ErrNoXattr {
		t.Errorf("expected ErrNoXattr for an unknown xattr name, got %v", err)
	}
}

// Verifies Rename within the same directory preserves the object's tags.
func TestDir_Rename_SameDirectoryPreservesTags(t *testing.T) {
	filesys, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "old.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f := &File{fs: filesys, realPath: "./old.txt"}
	if err := f.retag([]string{"red"}); err != nil {
		t.Fatalf("unexpected error tagging: %s", err)
	}

	d := &Dir{fs: filesys, realPath: "."}
	if err := d.Rename(context.Background(), &fuse.RenameRequest{OldName: "old.txt", NewName: "new.txt"}, d); err != nil {
		t.Fatalf("unexpected error renaming: %s", err)
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
		t.Fatalf("expected the backing file to be renamed: %s", err)
	}

	renamed := &File{fs: filesys, realPath: "./new.txt"}
	tags, err := renamed.tags()
	if err != nil {
		t.Fatalf("unexpected error reading tags: %s", err)
	}
	if len(tags) != 1 || tags[0] != "red" {
		t.Errorf("expected the renamed file to keep its tags, got %v", tags)
	}
}

// Verifies a cross-directory rename of a directory keeps its DIRECTORY type
// in the destination's metadata file.
func TestDir_Rename_CrossDirectoryPreservesType(t *testing.T) {
	filesys, root := newFS(t)
	rootNode, _ := filesys.Root()
	d := rootNode.(*Dir)
	if _, err := d.Mkdir(context.Background(), &fuse.MkdirRequest{Name: "box", Mode: 0o755}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := os.Mkdir(filepath.Join(root, "dst"), 0o755); err != nil {
		t.Fatal(err)
	}

	dstDir := &Dir{fs: filesys, realPath: "./dst"}
	if err := d.Rename(context.Background(), &fuse.RenameRequest{OldName: "box", NewName: "box"}, dstDir); err != nil {
		t.Fatalf("unexpected error renaming: %s", err)
	}
	if _, err := os.Stat(filepath.Join(root, "dst", "box")); err != nil {
		t.Fatalf("expected the backing directory to be moved: %s", err)
	}

	mdb, err := store.Open(filepath.Join(root, "dst", config.MetaFileName))
	if err != nil {
		t.Fatalf("could not open destination metadata: %s", err)
	}
	defer mdb.Close()
	var typ int
	if err := mdb.QueryRow(`select type from objects where name = 'box'`).Scan(&typ); err != nil {
		t.Fatalf("renamed directory not tracked in destination: %s", err)
	}
	if metadata.ObjectType(typ) != metadata.ObjectDirectory {
		t.Errorf("expected box to keep its directory type, got %d", typ)
	}
}

func TestToErrno_MapsErrorKinds(t *testing.T) {
	if got := toErrno(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := toErrno(metadata.ErrNotFound); got != syscall.ENOENT {
		t.Errorf("expected ENOENT, got %v", got)
	}
	if got := toErrno(metadata.ErrExists); got != syscall.EEXIST {
		t.Errorf("expected EEXIST, got %v", got)
	}
	if got := toErrno(metadata.ErrVersionTooNew); got != syscall.ENOTSUP {
		t.Errorf("expected ENOTSUP, got %v", got)
	}
}

package store

import (
	"database/sql"
	"strconv"
	"testing"

	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
)

// Helper to get a reference to an in-memory database. Callers should close
// the db when done.
func getDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("file::memory:?cache=shared&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("could not open database: %s", err)
	}
	return db
}

func TestOpen_SeedsRoot(t *testing.T) {
	db := getDB(t)
	defer db.Close()

	var id, idParent sql.NullInt64
	var typ int
	var name string
	row := db.QueryRow(`select id, id_parent, type, name from objects where name = '/'`)
	if err := row.Scan(&id, &idParent, &typ, &name); err != nil {
		t.Fatalf("root object not seeded: %s", err)
	}
	if idParent.Valid {
		t.Errorf("root object should have no parent, got %v", idParent)
	}
	if metadata.ObjectType(typ) != metadata.ObjectDirectory {
		t.Errorf("expected root object to be a directory, got type %d", typ)
	}

	var ownerCount int
	if err := db.QueryRow(`select count(*) from objects_owners where id_object = ? and id_owner = ?`, id, id).
		Scan(&ownerCount); err != nil {
		t.Fatalf("could not query self-ownership: %s", err)
	}
	if ownerCount != 1 {
		t.Errorf("expected root to own itself exactly once, got %d", ownerCount)
	}
}

func TestOpen_WritesVersion(t *testing.T) {
	db := getDB(t)
	defer db.Close()

	var value string
	if err := db.QueryRow(`select value from config where param = ?`, VersionParam).Scan(&value); err != nil {
		t.Fatalf("version not stamped: %s", err)
	}
	if value != "1.0" {
		t.Errorf("expected version 1.0 but got %s", value)
	}
	if db.Major != VersionMajor || db.Minor != VersionMinor {
		t.Errorf("expected DB.Major/Minor to be %d/%d, got %d/%d", VersionMajor, VersionMinor, db.Major, db.Minor)
	}
}

func TestOpen_RefusesNewerMajorVersion(t *testing.T) {
	const dsn = "file:refuse_test?mode=memory&cache=shared&_busy_timeout=5000"
	registerDriver()

	// hold one connection open for the lifetime of the shared in-memory
	// database, since sqlite drops it once every connection closes.
	guard, err := sql.Open(driverName, dsn)
	if err != nil {
		t.Fatalf("could not open guard connection: %s", err)
	}
	defer guard.Close()
	if err := guard.Ping(); err != nil {
		t.Fatalf("could not connect guard: %s", err)
	}

	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("could not open database: %s", err)
	}
	if _, err := db.Exec(`insert into config ( param, value ) values ( ?, ? )`, VersionParam, "99.0"); err != nil {
		t.Fatalf("could not force version: %s", err)
	}
	db.Close()

	if _, err := Open(dsn); err == nil {
		t.Fatal("expected an error reopening a newer-major-version file")
	}
}

func TestSavepoints_RollbackDiscardsChanges(t *testing.T) {
	db := getDB(t)
	defer db.Close()

	if err := Begin(db.DB, "sp1"); err != nil {
		t.Fatalf("begin: %s", err)
	}
	if _, err := db.Exec(`insert into objects ( id_parent, type, name ) values ( 1, ?, 'a' )`, metadata.ObjectTag); err != nil {
		t.Fatalf("insert: %s", err)
	}
	if err := Rollback(db.DB, "sp1"); err != nil {
		t.Fatalf("rollback: %s", err)
	}

	var count int
	if err := db.QueryRow(`select count(*) from objects where name = 'a'`).Scan(&count); err != nil {
		t.Fatalf("query: %s", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to discard insert, found %d rows", count)
	}
}

func TestSavepoints_ReleaseKeepsChanges(t *testing.T) {
	db := getDB(t)
	defer db.Close()

	if err := Begin(db.DB, "sp1"); err != nil {
		t.Fatalf("begin: %s", err)
	}
	if _, err := db.Exec(`insert into objects ( id_parent, type, name ) values ( 1, ?, 'b' )`, metadata.ObjectTag); err != nil {
		t.Fatalf("insert: %s", err)
	}
	if err := Release(db.DB, "sp1"); err != nil {
		t.Fatalf("release: %s", err)
	}

	var count int
	if err := db.QueryRow(`select count(*) from objects where name = 'b'`).Scan(&count); err != nil {
		t.Fatalf("query: %s", err)
	}
	if count != 1 {
		t.Errorf("expected release to keep insert, found %d rows", count)
	}
}

// Verifies the tags()/include()/exclude() UDFs registered by Open compute
// set containment correctly, the way filter.Visible relies on them.
func TestTagFunctions(t *testing.T) {
	db := getDB(t)
	defer db.Close()

	// two tag objects and a file linked to both tags
	mustExec(t, db.DB, `insert into objects ( id_parent, type, name ) values ( null, ?, 'red' )`, metadata.ObjectTag)
	mustExec(t, db.DB, `insert into objects ( id_parent, type, name ) values ( null, ?, 'blue' )`, metadata.ObjectTag)
	mustExec(t, db.DB, `insert into objects ( id_parent, type, name ) values ( 1, ?, 'f' )`, metadata.ObjectFile)

	var red, blue, f int64
	mustScan(t, db.DB, `select id from objects where name = 'red'`, &red)
	mustScan(t, db.DB, `select id from objects where name = 'blue'`, &blue)
	mustScan(t, db.DB, `select id from objects where name = 'f'`, &f)

	mustExec(t, db.DB, `insert into objects_tags ( id_object, id_tag ) values ( ?, ? )`, f, red)
	mustExec(t, db.DB, `insert into objects_tags ( id_object, id_tag ) values ( ?, ? )`, f, blue)

	var includeOK bool
	wantCSV := fmtIDs(red, blue)
	if err := db.QueryRow(
		`select include( ( select tags(id_tag) from objects_tags where id_object = ? ), ? )`,
		f, wantCSV,
	).Scan(&includeOK); err != nil {
		t.Fatalf("include query: %s", err)
	}
	if !includeOK {
		t.Error("expected include() to report both tags present")
	}

	var excludeOK bool
	if err := db.QueryRow(
		`select exclude( ( select tags(id_tag) from objects_tags where id_object = ? ), ? )`,
		f, wantCSV,
	).Scan(&excludeOK); err != nil {
		t.Fatalf("exclude query: %s", err)
	}
	if excludeOK {
		t.Error("expected exclude() to report false when both tags are present")
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %s", query, err)
	}
}

func mustScan(t *testing.T, db *sql.DB, query string, dest interface{}) {
	t.Helper()
	if err := db.QueryRow(query).Scan(dest); err != nil {
		t.Fatalf("scan %q: %s", query, err)
	}
}

func fmtIDs(ids ...int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(id, 10)
	}
	return out
}

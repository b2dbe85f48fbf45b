// Package store manages the per-directory metadata file: the objects,
// objects_owners, objects_tags, and config tables, version stamping and
// migration refusal, and the tags()/include()/exclude() SQL functions used
// by the filter engine.
//
// DDL runs as a package-level slice executed in Open, all access goes
// through database/sql with no ORM.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/cyberhuman/beholdfs/internal/pkg/metadata"
	"github.com/mattn/go-sqlite3"
)

// VersionParam is the config table key holding the "major.minor" string.
const VersionParam = "version"

// VersionFormat is the "major.minor" layout stored under VersionParam.
const VersionFormat = "%d.%d"

// VersionMajor/VersionMinor are the schema version this build writes and
// accepts. Bumping VersionMajor means older builds refuse to mount the
// file; bumping VersionMinor is backward compatible.
const (
	VersionMajor = 1
	VersionMinor = 0
)

var ddl = []string{
	`create table if not exists config (
		id integer primary key,
		param text unique on conflict replace,
		value text
	)`,
	`create table if not exists objects (
		id integer primary key,
		id_parent integer references objects ( id ) on delete restrict,
		type integer,
		name text,
		unique ( id_parent, type, name )
	)`,
	`create index if not exists objects_parent on objects ( id_parent )`,
	`create index if not exists objects_name on objects ( name )`,
	`create table if not exists objects_owners (
		id_owner integer references objects ( id ) on delete cascade,
		id_object integer references objects ( id ) on delete cascade,
		unique ( id_owner, id_object )
	)`,
	`create index if not exists objects_owners_owner on objects_owners ( id_owner )`,
	`create index if not exists objects_owners_object on objects_owners ( id_object )`,
	`create table if not exists objects_tags (
		id_object integer references objects ( id ) on delete cascade,
		id_tag integer references objects ( id ) on delete cascade,
		strong integer not null default 1,
		unique ( id_object, id_tag )
	)`,
	`create index if not exists objects_tags_object on objects_tags ( id_object )`,
	`create index if not exists objects_tags_tag on objects_tags ( id_tag )`,
}

// driverOnce guards the one-time registration of the "sqlite3_beholdfs"
// driver variant that installs the tags()/include()/exclude() functions on
// every new connection via mattn/go-sqlite3's sql.Register + ConnectHook.
var driverOnce sync.Once

const driverName = "sqlite3_beholdfs"

func registerDriver() {
	driverOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				// sqlite leaves foreign keys off per connection; the schema's
				// on delete cascade/restrict clauses rely on them.
				if _, err := conn.Exec("pragma foreign_keys = on", nil); err != nil {
					return err
				}
				if err := conn.RegisterAggregator("tags", newTagsAggregator, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("include", includeFunc, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("exclude", excludeFunc, true); err != nil {
					return err
				}
				return nil
			},
		})
	})
}

// tagsAggregator implements the SQL aggregate tags(id_tag), collecting the
// set of tag ids attached to a row group into a comma-joined string so that
// include()/exclude() can test set membership without a correlated
// subquery on every row.
type tagsAggregator struct {
	seen map[int64]struct{}
}

func newTagsAggregator() *tagsAggregator {
	return &tagsAggregator{seen: make(map[int64]struct{})}
}

func (a *tagsAggregator) Step(idTag int64) {
	a.seen[idTag] = struct{}{}
}

func (a *tagsAggregator) Done() string {
	ids := make([]string, 0, len(a.seen))
	for id := range a.seen {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return strings.Join(ids, ",")
}

// includeFunc reports whether every id in wantCSV (comma-separated tag ids)
// appears in haveCSV, the set produced by the tags() aggregate. Used as
// include(tags(...), ?) to implement the "all include tags present" rule.
func includeFunc(haveCSV, wantCSV string) bool {
	return csvContainsAll(haveCSV, wantCSV)
}

// excludeFunc reports whether none of the ids in wantCSV appear in haveCSV.
func excludeFunc(haveCSV, wantCSV string) bool {
	return !csvContainsAny(haveCSV, wantCSV)
}

func csvContainsAll(haveCSV, wantCSV string) bool {
	have := csvSet(haveCSV)
	for _, id := range csvIDs(wantCSV) {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}

func csvContainsAny(haveCSV, wantCSV string) bool {
	have := csvSet(haveCSV)
	for _, id := range csvIDs(wantCSV) {
		if _, ok := have[id]; ok {
			return true
		}
	}
	return false
}

func csvSet(csv string) map[int64]struct{} {
	ids := csvIDs(csv)
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func csvIDs(csv string) []int64 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// DB wraps a single metadata file's connection pool plus the version that
// was in effect when it was opened.
type DB struct {
	*sql.DB
	Major, Minor int
}

// Open opens (creating if absent) the metadata file at filename, applies
// the schema DDL, seeds the root object on first creation, and enforces
// the version policy: refuse a file whose major version is newer than
// this build understands, and bump the minor/major stamp forward
// otherwise.
func Open(filename string) (*DB, error) {
	registerDriver()

	sdb, err := sql.Open(driverName, filename)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filename, err)
	}
	// the metadata file is per-directory and accessed by one mount's
	// request goroutines; serialize every statement, reads included,
	// through a single connection the way sqlite's own locking expects.
	// A caller must close a result set before issuing its next query.
	sdb.SetMaxOpenConns(1)

	for _, stmt := range ddl {
		if _, err := sdb.Exec(stmt); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("%w: %s: %s", metadata.ErrIO, err, stmt)
		}
	}

	if err := seedRoot(sdb); err != nil {
		sdb.Close()
		return nil, err
	}

	major, minor, err := checkVersion(sdb)
	if err != nil {
		sdb.Close()
		return nil, err
	}

	return &DB{DB: sdb, Major: major, Minor: minor}, nil
}

func seedRoot(db *sql.DB) error {
	var count int
	if err := db.QueryRow(
		`select count(*) from objects where id_parent is null and type = ? and name = '/'`,
		metadata.ObjectDirectory,
	).Scan(&count); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if count > 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`insert into objects ( name, type ) values ( '/', ? )`, metadata.ObjectDirectory)
	if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	rootID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if _, err := tx.Exec(`insert into objects_owners ( id_object, id_owner ) values ( ?, ? )`, rootID, rootID); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

func checkVersion(db *sql.DB) (major, minor int, err error) {
	var value sql.NullString
	row := db.QueryRow(`select value from config where param = ?`, VersionParam)
	if err := row.Scan(&value); err != nil && err != sql.ErrNoRows {
		return 0, 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}

	if !value.Valid {
		major, minor = VersionMajor, VersionMinor
		if _, err := db.Exec(`insert into config ( param, value ) values ( ?, ? )`,
			VersionParam, fmt.Sprintf(VersionFormat, VersionMajor, VersionMinor)); err != nil {
			return 0, 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		return major, minor, nil
	}

	if _, err := fmt.Sscanf(value.String, VersionFormat, &major, &minor); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed version string %q", metadata.ErrIO, value.String)
	}

	if major > VersionMajor {
		return 0, 0, metadata.ErrVersionTooNew
	}
	if major < VersionMajor {
		if err := migrate(db, major); err != nil {
			return 0, 0, err
		}
	}
	if major == VersionMajor && minor > VersionMinor {
		log.Printf("metadata version %s is newer than %d.%d, continuing", value.String, VersionMajor, VersionMinor)
	}

	if major < VersionMajor || (major == VersionMajor && minor < VersionMinor) {
		if _, err := db.Exec(`insert into config ( param, value ) values ( ?, ? )`,
			VersionParam, fmt.Sprintf(VersionFormat, VersionMajor, VersionMinor)); err != nil {
			return 0, 0, fmt.Errorf("%w: %s", metadata.ErrIO, err)
		}
		major, minor = VersionMajor, VersionMinor
	}

	return major, minor, nil
}

// migrations upgrades a metadata file from an older stored major version,
// keyed on that major. There is only one shipped major today, so the map is
// empty; checkVersion runs the matching entry before stamping the version
// forward.
var migrations = map[int]func(*sql.Tx) error{}

func migrate(db *sql.DB, major int) error {
	up, ok := migrations[major]
	if !ok {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	defer tx.Rollback()
	if err := up(tx); err != nil {
		return fmt.Errorf("%w: migrate from major %d: %s", metadata.ErrIO, major, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

// Begin starts a named savepoint, the unit of rollback for every public
// mutating operation and every level of the mark engine's upward walk.
// Savepoints nest, unlike plain BEGIN/COMMIT, which is why mutations lean
// on them instead of db.Begin.
func Begin(db *sql.DB, name string) error {
	if _, err := db.Exec(fmt.Sprintf("savepoint %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

// Release commits a savepoint opened with Begin.
func Release(db *sql.DB, name string) error {
	if _, err := db.Exec(fmt.Sprintf("release %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

// Rollback discards everything done since the matching Begin, then
// releases the savepoint so it does not leak into the enclosing one.
func Rollback(db *sql.DB, name string) error {
	ident := quoteIdent(name)
	if _, err := db.Exec(fmt.Sprintf("rollback to %s", ident)); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	if _, err := db.Exec(fmt.Sprintf("release %s", ident)); err != nil {
		return fmt.Errorf("%w: %s", metadata.ErrIO, err)
	}
	return nil
}

// EndResult releases the savepoint on a nil err and returns any release
// error. Otherwise it rolls back and returns err, unless the rollback itself
// fails and err is not an ErrIO, in which case the rollback error is
// returned instead.
func EndResult(db *sql.DB, name string, err error) error {
	if err != nil {
		if rerr := Rollback(db, name); rerr != nil && !errors.Is(err, metadata.ErrIO) {
			return rerr
		}
		return err
	}
	return Release(db, name)
}

// quoteIdent quotes a savepoint name for interpolation into the savepoint
// statements, which cannot take bind parameters. Names are derived from
// client-controlled file names, so embedded quotes must be doubled.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

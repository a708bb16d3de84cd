package db

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/util"
	"log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"time"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Profiles (person records, local and remote)
	sqlInsertProfile     = `INSERT INTO profiles(id, nickname, fullname, profile_url, avatar_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectProfileById = `SELECT id, nickname, fullname, profile_url, avatar_url, created_at FROM profiles WHERE id = ?`
	sqlUpdateProfileAvatar = `UPDATE profiles SET avatar_url = ? WHERE id = ?`

	//Users (local accounts)
	sqlInsertUser           = `INSERT INTO users(id, profile_id, nickname, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectUserByURI      = `SELECT id, profile_id, nickname, uri, created_at FROM users WHERE uri = ?`
	sqlSelectUserByNickname = `SELECT id, profile_id, nickname, uri, created_at FROM users WHERE nickname = ?`
	sqlSelectUserById       = `SELECT id, profile_id, nickname, uri, created_at FROM users WHERE id = ?`

	//Groups
	sqlInsertGroup       = `INSERT INTO user_groups(id, nickname, fullname, homepage, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectGroupById   = `SELECT id, nickname, fullname, homepage, created_at FROM user_groups WHERE id = ?`

	//Group members
	sqlInsertGroupMember = `INSERT INTO group_members(id, profile_id, group_id, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectGroupMember = `SELECT id, profile_id, group_id, created_at FROM group_members WHERE profile_id = ? AND group_id = ?`
	sqlCountGroupMembers = `SELECT COUNT(*) FROM group_members WHERE group_id = ?`
)

// NewDB opens a database at the given path and runs the schema setup.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL mode
	var journalMode string
	err = sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
	if err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for the concurrent federation workload
	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: sqldb}

	if err := database.RunMigrations(); err != nil {
		return nil, err
	}

	return database, nil
}

// GetDB returns the process-wide database, opening it on first use.
func GetDB() *DB {
	dbOnce.Do(func() {
		database, err := NewDB(util.ResolveFilePath("database.db"))
		if err != nil {
			panic(err)
		}
		dbInstance = database
	})

	return dbInstance
}

// IsConstraintErr reports whether an insert failed on a uniqueness or
// other constraint, as opposed to any other store failure.
func IsConstraintErr(err error) bool {
	serr, ok := err.(*sqlite.Error)
	return ok && serr.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
}

func (db *DB) CreateProfile(p *domain.Profile) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertProfile, p.Id.String(), p.Nickname, p.Fullname, p.ProfileURL, p.AvatarURL, p.CreatedAt)
		return err
	})
}

func (db *DB) ReadProfileById(id uuid.UUID) (error, *domain.Profile) {
	row := db.db.QueryRow(sqlSelectProfileById, id.String())
	var p domain.Profile
	var idStr string
	err := row.Scan(&idStr, &p.Nickname, &p.Fullname, &p.ProfileURL, &p.AvatarURL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	p.Id, _ = uuid.Parse(idStr)
	return nil, &p
}

func (db *DB) UpdateProfileAvatar(id uuid.UUID, avatarURL string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateProfileAvatar, avatarURL, id.String())
		return err
	})
}

func (db *DB) CreateUser(u *domain.User) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser, u.Id.String(), u.ProfileId.String(), u.Nickname, u.URI, u.CreatedAt)
		return err
	})
}

func (db *DB) ReadUserByURI(uri string) (error, *domain.User) {
	return db.scanUser(db.db.QueryRow(sqlSelectUserByURI, uri))
}

func (db *DB) ReadUserByNickname(nickname string) (error, *domain.User) {
	return db.scanUser(db.db.QueryRow(sqlSelectUserByNickname, nickname))
}

func (db *DB) ReadUserById(id uuid.UUID) (error, *domain.User) {
	return db.scanUser(db.db.QueryRow(sqlSelectUserById, id.String()))
}

func (db *DB) scanUser(row *sql.Row) (error, *domain.User) {
	var u domain.User
	var idStr, profileIdStr string
	err := row.Scan(&idStr, &profileIdStr, &u.Nickname, &u.URI, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	u.Id, _ = uuid.Parse(idStr)
	u.ProfileId, _ = uuid.Parse(profileIdStr)
	return nil, &u
}

func (db *DB) CreateGroup(g *domain.UserGroup) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertGroup, g.Id.String(), g.Nickname, g.Fullname, g.Homepage, g.CreatedAt)
		return err
	})
}

func (db *DB) ReadGroupById(id uuid.UUID) (error, *domain.UserGroup) {
	row := db.db.QueryRow(sqlSelectGroupById, id.String())
	var g domain.UserGroup
	var idStr string
	err := row.Scan(&idStr, &g.Nickname, &g.Fullname, &g.Homepage, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	g.Id, _ = uuid.Parse(idStr)
	return nil, &g
}

func (db *DB) CreateGroupMember(m *domain.GroupMember) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertGroupMember, m.Id.String(), m.ProfileId.String(), m.GroupId.String(), m.CreatedAt)
		return err
	})
}

func (db *DB) IsGroupMember(profileId, groupId uuid.UUID) (error, bool) {
	row := db.db.QueryRow(sqlSelectGroupMember, profileId.String(), groupId.String())
	var m domain.GroupMember
	var idStr, pStr, gStr string
	err := row.Scan(&idStr, &pStr, &gStr, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		return err, false
	}
	return nil, true
}

func (db *DB) CountGroupMembers(groupId uuid.UUID) (error, int) {
	row := db.db.QueryRow(sqlCountGroupMembers, groupId.String())
	var count int
	if err := row.Scan(&count); err != nil {
		return err, 0
	}
	return nil, count
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/domain"
	"time"
)

// Notice queries
const (
	sqlInsertNotice      = `INSERT INTO notices(id, profile_id, content, source, uri, url, lat, lon, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoticeByURI = `SELECT id, profile_id, content, source, uri, url, lat, lon, created_at FROM notices WHERE uri = ?`
	sqlSelectNoticeById  = `SELECT id, profile_id, content, source, uri, url, lat, lon, created_at FROM notices WHERE id = ?`
	sqlSelectNoticesByProfile = `SELECT id, profile_id, content, source, uri, url, lat, lon, created_at FROM notices
                                                            WHERE profile_id = ?
                                                            ORDER BY created_at DESC LIMIT ?`

	sqlInsertNoticeGroup = `INSERT INTO notice_groups(notice_id, group_id) VALUES (?, ?)`
	sqlInsertNoticeReply = `INSERT INTO notice_replies(notice_id, user_uri) VALUES (?, ?)`
	sqlSelectNoticeGroups = `SELECT group_id FROM notice_groups WHERE notice_id = ?`
	sqlSelectNoticeReplies = `SELECT user_uri FROM notice_replies WHERE notice_id = ?`

	sqlInsertNoticeSource = `INSERT INTO notice_sources(id, notice_id, profile_uri, channel, created_at) VALUES (?, ?, ?, ?, ?)`
)

// CreateNotice persists a notice along with its resolved audience in a
// single transaction.
func (db *DB) CreateNotice(save *domain.SaveNotice) (error, *domain.Notice) {
	n := &domain.Notice{
		Id:        uuid.New(),
		ProfileId: save.ProfileId,
		Content:   save.Content,
		Source:    save.Source,
		URI:       save.URI,
		URL:       save.URL,
		CreatedAt: time.Now(),
	}
	if save.Location != nil {
		n.Lat = &save.Location.Lat
		n.Lon = &save.Location.Lon
	}

	err := db.wrapTransaction(func(tx *sql.Tx) error {
		var lat, lon interface{}
		if n.Lat != nil {
			lat = *n.Lat
			lon = *n.Lon
		}
		if _, err := tx.Exec(sqlInsertNotice, n.Id.String(), n.ProfileId.String(), n.Content, n.Source, n.URI, n.URL, lat, lon, n.CreatedAt); err != nil {
			return err
		}
		for _, groupId := range save.Groups {
			if _, err := tx.Exec(sqlInsertNoticeGroup, n.Id.String(), groupId.String()); err != nil {
				return err
			}
		}
		for _, reply := range save.Replies {
			if _, err := tx.Exec(sqlInsertNoticeReply, n.Id.String(), reply); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err, nil
	}

	return nil, n
}

func (db *DB) ReadNoticeByURI(uri string) (error, *domain.Notice) {
	return db.scanNotice(db.db.QueryRow(sqlSelectNoticeByURI, uri))
}

func (db *DB) ReadNoticeById(id uuid.UUID) (error, *domain.Notice) {
	return db.scanNotice(db.db.QueryRow(sqlSelectNoticeById, id.String()))
}

func (db *DB) ReadNoticesByProfileId(profileId uuid.UUID, limit int) (error, *[]domain.Notice) {
	rows, err := db.db.Query(sqlSelectNoticesByProfile, profileId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notices []domain.Notice

	for rows.Next() {
		var n domain.Notice
		var idStr, profileIdStr string
		var url sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&idStr, &profileIdStr, &n.Content, &n.Source, &n.URI, &url, &lat, &lon, &n.CreatedAt); err != nil {
			return err, &notices
		}
		n.Id, _ = uuid.Parse(idStr)
		n.ProfileId, _ = uuid.Parse(profileIdStr)
		n.URL = url.String
		if lat.Valid {
			n.Lat = &lat.Float64
		}
		if lon.Valid {
			n.Lon = &lon.Float64
		}
		notices = append(notices, n)
	}
	if err = rows.Err(); err != nil {
		return err, &notices
	}

	return nil, &notices
}

func (db *DB) scanNotice(row *sql.Row) (error, *domain.Notice) {
	var n domain.Notice
	var idStr, profileIdStr string
	var url sql.NullString
	var lat, lon sql.NullFloat64
	err := row.Scan(&idStr, &profileIdStr, &n.Content, &n.Source, &n.URI, &url, &lat, &lon, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	n.Id, _ = uuid.Parse(idStr)
	n.ProfileId, _ = uuid.Parse(profileIdStr)
	n.URL = url.String
	if lat.Valid {
		n.Lat = &lat.Float64
	}
	if lon.Valid {
		n.Lon = &lon.Float64
	}
	return nil, &n
}

func (db *DB) ReadNoticeGroups(noticeId uuid.UUID) (error, []uuid.UUID) {
	rows, err := db.db.Query(sqlSelectNoticeGroups, noticeId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var groups []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return err, groups
		}
		id, _ := uuid.Parse(idStr)
		groups = append(groups, id)
	}
	return rows.Err(), groups
}

func (db *DB) ReadNoticeReplies(noticeId uuid.UUID) (error, []string) {
	rows, err := db.db.Query(sqlSelectNoticeReplies, noticeId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var replies []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, replies
		}
		replies = append(replies, uri)
	}
	return rows.Err(), replies
}

func (db *DB) CreateNoticeSource(src *domain.NoticeSource) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNoticeSource, src.Id.String(), src.NoticeId.String(), src.ProfileURI, src.Channel, src.CreatedAt)
		return err
	})
}

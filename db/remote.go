package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/domain"
	"time"
)

// Remote profile and subscription queries
const (
	sqlInsertRemoteProfile         = `INSERT INTO remote_profiles(uri, profile_id, group_id, feed_uri, salmon_uri, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteProfileByURI    = `SELECT uri, profile_id, group_id, feed_uri, salmon_uri, created_at, modified_at FROM remote_profiles WHERE uri = ?`
	sqlSelectRemoteProfileByFeed   = `SELECT uri, profile_id, group_id, feed_uri, salmon_uri, created_at, modified_at FROM remote_profiles WHERE feed_uri = ?`
	sqlTouchRemoteProfile          = `UPDATE remote_profiles SET modified_at = ? WHERE uri = ?`

	sqlInsertFeedSub      = `INSERT INTO feedsubs(id, uri, hub_uri, secret, state, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFeedSubByURI = `SELECT id, uri, hub_uri, secret, state, created_at, modified_at FROM feedsubs WHERE uri = ?`
	sqlSelectFeedSubById  = `SELECT id, uri, hub_uri, secret, state, created_at, modified_at FROM feedsubs WHERE id = ?`
	sqlUpdateFeedSubState = `UPDATE feedsubs SET state = ?, modified_at = ? WHERE id = ?`
	sqlUpdateFeedSubHub   = `UPDATE feedsubs SET hub_uri = ?, modified_at = ? WHERE id = ?`
	sqlUpdateFeedSubSecret = `UPDATE feedsubs SET secret = ?, modified_at = ? WHERE id = ?`

	sqlInsertSubscription = `INSERT INTO subscriptions(id, subscriber, subscribed, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteSubscription = `DELETE FROM subscriptions WHERE subscriber = ? AND subscribed = ?`
	sqlCountSubscribers   = `SELECT COUNT(*) FROM subscriptions WHERE subscribed = ?`
)

func (db *DB) CreateRemoteProfile(rp *domain.RemoteProfile) error {
	var profileId, groupId interface{}
	switch rp.Local.Kind {
	case domain.KindPerson:
		profileId = rp.Local.Id.String()
	case domain.KindGroup:
		groupId = rp.Local.Id.String()
	}

	// Feed-less (and salmon-less) profiles store NULL, not the empty
	// string, or the unique feed_uri column would admit only one.
	var feedURI, salmonURI interface{}
	if rp.FeedURI != "" {
		feedURI = rp.FeedURI
	}
	if rp.SalmonURI != "" {
		salmonURI = rp.SalmonURI
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteProfile,
			rp.URI,
			profileId,
			groupId,
			feedURI,
			salmonURI,
			rp.CreatedAt,
			rp.ModifiedAt)
		return err
	})
}

func (db *DB) ReadRemoteProfileByURI(uri string) (error, *domain.RemoteProfile) {
	return db.scanRemoteProfile(db.db.QueryRow(sqlSelectRemoteProfileByURI, uri))
}

func (db *DB) ReadRemoteProfileByFeedURI(feedURI string) (error, *domain.RemoteProfile) {
	return db.scanRemoteProfile(db.db.QueryRow(sqlSelectRemoteProfileByFeed, feedURI))
}

func (db *DB) TouchRemoteProfile(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchRemoteProfile, time.Now(), uri)
		return err
	})
}

func (db *DB) scanRemoteProfile(row *sql.Row) (error, *domain.RemoteProfile) {
	var rp domain.RemoteProfile
	var profileIdStr, groupIdStr, feedURI, salmonURI sql.NullString
	err := row.Scan(&rp.URI, &profileIdStr, &groupIdStr, &feedURI, &salmonURI, &rp.CreatedAt, &rp.ModifiedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}

	profileId := uuid.Nil
	groupId := uuid.Nil
	if profileIdStr.Valid {
		profileId, _ = uuid.Parse(profileIdStr.String)
	}
	if groupIdStr.Valid {
		groupId, _ = uuid.Parse(groupIdStr.String)
	}

	// The person/group exclusivity invariant is checked on every read.
	local, err := domain.NewLocalRef(profileId, groupId)
	if err != nil {
		return err, nil
	}
	rp.Local = local
	rp.FeedURI = feedURI.String
	rp.SalmonURI = salmonURI.String

	return nil, &rp
}

// EnsureFeedSub returns the subscription tracking row for a feed URI,
// creating it in the unsubscribed state on first sight.
func (db *DB) EnsureFeedSub(uri string) (error, *domain.FeedSub) {
	err, existing := db.ReadFeedSubByURI(uri)
	if err == nil && existing != nil {
		return nil, existing
	}
	if err != nil && err != sql.ErrNoRows {
		return err, nil
	}

	fs := &domain.FeedSub{
		Id:         uuid.New(),
		URI:        uri,
		State:      domain.SubStateNone,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}

	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFeedSub, fs.Id.String(), fs.URI, fs.HubURI, fs.Secret, string(fs.State), fs.CreatedAt, fs.ModifiedAt)
		return err
	})
	if err != nil {
		// Lost a race to a concurrent creator, read theirs.
		if IsConstraintErr(err) {
			return db.ReadFeedSubByURI(uri)
		}
		return err, nil
	}

	return nil, fs
}

func (db *DB) ReadFeedSubByURI(uri string) (error, *domain.FeedSub) {
	return db.scanFeedSub(db.db.QueryRow(sqlSelectFeedSubByURI, uri))
}

func (db *DB) ReadFeedSubById(id uuid.UUID) (error, *domain.FeedSub) {
	return db.scanFeedSub(db.db.QueryRow(sqlSelectFeedSubById, id.String()))
}

func (db *DB) scanFeedSub(row *sql.Row) (error, *domain.FeedSub) {
	var fs domain.FeedSub
	var idStr, state string
	var hubURI, secret sql.NullString
	err := row.Scan(&idStr, &fs.URI, &hubURI, &secret, &state, &fs.CreatedAt, &fs.ModifiedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	fs.Id, _ = uuid.Parse(idStr)
	fs.HubURI = hubURI.String
	fs.Secret = secret.String
	fs.State = domain.SubState(state)
	return nil, &fs
}

func (db *DB) UpdateFeedSubState(id uuid.UUID, state domain.SubState) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFeedSubState, string(state), time.Now(), id.String())
		return err
	})
}

func (db *DB) UpdateFeedSubHub(id uuid.UUID, hubURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFeedSubHub, hubURI, time.Now(), id.String())
		return err
	})
}

func (db *DB) UpdateFeedSubSecret(id uuid.UUID, secret string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFeedSubSecret, secret, time.Now(), id.String())
		return err
	})
}

func (db *DB) CreateSubscription(s *domain.Subscription) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertSubscription, s.Id.String(), s.Subscriber.String(), s.Subscribed.String(), s.CreatedAt)
		return err
	})
}

func (db *DB) DeleteSubscription(subscriber, subscribed uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteSubscription, subscriber.String(), subscribed.String())
		return err
	})
}

func (db *DB) CountSubscribers(profileId uuid.UUID) (error, int) {
	row := db.db.QueryRow(sqlCountSubscribers, profileId.String())
	var count int
	if err := row.Scan(&count); err != nil {
		return err, 0
	}
	return nil, count
}

package postgres

import (
	"context"
	"database/sql"

	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/user"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, timezone, plan_name, max_active_listings, max_actions_per_day, created_at, updated_at
		FROM users WHERE id = $1
	`, id)

	var u user.User
	var planName sql.NullString
	var maxListings, maxActions sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.TimeZone, &planName, &maxListings, &maxActions, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, storage.ErrNotFound
		}
		return user.User{}, err
	}
	u.Plan.Name = planName.String
	u.Plan.MaxActiveListings = int(maxListings.Int64)
	u.Plan.MaxActionsPerDay = int(maxActions.Int64)
	return u, nil
}

func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *Store) DisableRulesForUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE automation_rules SET enabled = false, updated_at = now() WHERE user_id = $1`, id)
	return err
}

func (s *Store) GetConnection(ctx context.Context, userID string, mkt marketplace.Tag) (marketplace.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, marketplace, connected, access_credential, credential_expiry, last_sync_at, created_at, updated_at
		FROM marketplace_connections WHERE user_id = $1 AND marketplace = $2
	`, userID, string(mkt))

	var c marketplace.Connection
	var mktStr string
	var expiry, lastSync sql.NullTime
	if err := row.Scan(&c.ID, &c.UserID, &mktStr, &c.Connected, &c.AccessCredential, &expiry, &lastSync, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return marketplace.Connection{}, storage.ErrNotFound
		}
		return marketplace.Connection{}, err
	}
	c.Marketplace = marketplace.Tag(mktStr)
	c.CredentialExpiry = fromNullTime(expiry)
	c.LastSyncAt = fromNullTime(lastSync)
	return c, nil
}

func (s *Store) UpsertConnection(ctx context.Context, conn marketplace.Connection) (marketplace.Connection, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_connections (id, user_id, marketplace, connected, access_credential, credential_expiry, last_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (user_id, marketplace) DO UPDATE SET
			connected = EXCLUDED.connected,
			access_credential = EXCLUDED.access_credential,
			credential_expiry = EXCLUDED.credential_expiry,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = now()
	`, conn.ID, conn.UserID, string(conn.Marketplace), conn.Connected, conn.AccessCredential, toNullTime(conn.CredentialExpiry), toNullTime(conn.LastSyncAt))
	if err != nil {
		return marketplace.Connection{}, err
	}
	return s.GetConnection(ctx, conn.UserID, conn.Marketplace)
}

func (s *Store) SetConnected(ctx context.Context, userID string, mkt marketplace.Tag, connected bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_connections SET connected = $3, updated_at = now()
		WHERE user_id = $1 AND marketplace = $2
	`, userID, string(mkt), connected)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id string) (listing.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, price_cents, quantity, category, brand, condition, status, created_at, updated_at
		FROM listings WHERE id = $1
	`, id)

	var l listing.Listing
	var status string
	if err := row.Scan(&l.ID, &l.UserID, &l.Title, &l.PriceCents, &l.Quantity, &l.Category, &l.Brand, &l.Condition, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return listing.Listing{}, storage.ErrNotFound
		}
		return listing.Listing{}, err
	}
	l.Status = listing.Status(status)
	return l, nil
}

func (s *Store) ListPostsForListing(ctx context.Context, listingID string) ([]listing.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, marketplace, external_id, external_url, status, created_at, updated_at
		FROM listing_posts WHERE listing_id = $1 ORDER BY created_at
	`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (s *Store) FindPostByExternalID(ctx context.Context, mkt marketplace.Tag, externalID string) (listing.Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, marketplace, external_id, external_url, status, created_at, updated_at
		FROM listing_posts WHERE marketplace = $1 AND external_id = $2
	`, string(mkt), externalID)

	var p listing.Post
	var mktStr, status string
	if err := row.Scan(&p.ID, &p.ListingID, &mktStr, &p.ExternalID, &p.ExternalURL, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return listing.Post{}, storage.ErrNotFound
		}
		return listing.Post{}, err
	}
	p.Marketplace = marketplace.Tag(mktStr)
	p.Status = listing.PostStatus(status)
	return p, nil
}

func (s *Store) ListActivePostedListings(ctx context.Context, userID string, mkt marketplace.Tag) ([]storage.ListingWithPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.user_id, l.title, l.price_cents, l.quantity, l.category, l.brand, l.condition,
			l.status, l.created_at, l.updated_at,
			p.id, p.listing_id, p.marketplace, p.external_id, p.external_url, p.status, p.created_at, p.updated_at
		FROM listings l
		JOIN listing_posts p ON p.listing_id = l.id
		WHERE l.user_id = $1 AND l.status = 'active' AND p.marketplace = $2 AND p.status = 'posted'
		ORDER BY l.id
	`, userID, string(mkt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ListingWithPost
	for rows.Next() {
		var lw storage.ListingWithPost
		var lStatus, pMkt, pStatus string
		if err := rows.Scan(
			&lw.Listing.ID, &lw.Listing.UserID, &lw.Listing.Title, &lw.Listing.PriceCents, &lw.Listing.Quantity,
			&lw.Listing.Category, &lw.Listing.Brand, &lw.Listing.Condition, &lStatus, &lw.Listing.CreatedAt, &lw.Listing.UpdatedAt,
			&lw.Post.ID, &lw.Post.ListingID, &pMkt, &lw.Post.ExternalID, &lw.Post.ExternalURL, &pStatus, &lw.Post.CreatedAt, &lw.Post.UpdatedAt,
		); err != nil {
			return nil, err
		}
		lw.Listing.Status = listing.Status(lStatus)
		lw.Post.Marketplace = marketplace.Tag(pMkt)
		lw.Post.Status = listing.PostStatus(pStatus)
		out = append(out, lw)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePostStatus(ctx context.Context, postID string, status listing.PostStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE listing_posts SET status = $2, updated_at = now() WHERE id = $1`, postID, string(status))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanPosts(rows *sql.Rows) ([]listing.Post, error) {
	var out []listing.Post
	for rows.Next() {
		var p listing.Post
		var mktStr, status string
		if err := rows.Scan(&p.ID, &p.ListingID, &mktStr, &p.ExternalID, &p.ExternalURL, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Marketplace = marketplace.Tag(mktStr)
		p.Status = listing.PostStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

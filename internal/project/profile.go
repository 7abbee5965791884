package project

import (
	"context"
	"fmt"
)

// UpsertProfile writes the caller's profile row, keyed on user ID.
// Called on every login; repeated delivery converges on one row.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) (*Profile, error) {
	var out Profile
	err := s.pool.QueryRow(ctx, `INSERT INTO user_profiles
		(user_id, email, display_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = now()
		RETURNING user_id, email, display_name, avatar_url, created_at, updated_at`,
		p.UserID, p.Email, p.DisplayName, p.AvatarURL).
		Scan(&out.UserID, &out.Email, &out.DisplayName, &out.AvatarURL,
			&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	s.logger.Debug("upserted profile", "user_id", p.UserID)
	return &out, nil
}

package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"

	pgxv5 "github.com/jackc/pgx/v5"
)

const getProfileSQL = `
SELECT profile FROM user_profiles WHERE owner_id = $1;
`

const saveProfileSQL = `
INSERT INTO user_profiles (owner_id, profile, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (owner_id) DO UPDATE
SET profile = EXCLUDED.profile,
    updated_at = now();
`

// GetProfile loads the user's profile document. Returns nil when the
// user has no profile yet.
func (s *TwinDBStorage) GetProfile(ctx context.Context, ownerID string) (*common.UserProfile, error) {
	var raw []byte
	err := s.conn.QueryRow(ctx, getProfileSQL, ownerID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var profile common.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", ownerID, err)
	}
	return &profile, nil
}

// SaveProfile writes the whole profile document in one statement.
func (s *TwinDBStorage) SaveProfile(ctx context.Context, profile *common.UserProfile) error {
	if profile == nil {
		return fmt.Errorf("profile is nil")
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile for %s: %w", profile.OwnerID, err)
	}
	_, err = s.conn.Exec(ctx, saveProfileSQL, profile.OwnerID, raw)
	return err
}

package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"twofa-service/internal/bucketing"
	"twofa-service/internal/profile"
	"twofa-service/internal/util"
)

// ProfileRepository is the Scylla-backed profile.Store. Profiles are
// partitioned by murmur3 user bucket; username lookups go through the
// username_to_user mapping table, written with IF NOT EXISTS so two
// concurrent sign-ups cannot claim the same name.
type ProfileRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewProfileRepository(client *ScyllaClient, buckets *bucketing.Manager) *ProfileRepository {
	return &ProfileRepository{
		client:  client,
		buckets: buckets,
	}
}

var _ profile.Store = (*ProfileRepository)(nil)

func (r *ProfileRepository) Create(ctx context.Context, p *profile.Profile) error {
	username, err := profile.NormalizeUsername(p.Username)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	p.Username = username
	p.CreatedAt = now
	p.UpdatedAt = now

	bucket := r.buckets.UserBucket(p.ID)

	// Claim the username first; the LWT is the uniqueness guard.
	applied, err := r.client.Prepared.CreateUsernameMapping.
		Bind(username, bucket, p.ID, now).
		WithContext(ctx).
		MapScanCAS(make(map[string]interface{}))
	if err != nil {
		util.Error("failed to claim username",
			util.String("username", username),
			util.ErrorField(err))
		return fmt.Errorf("failed to claim username: %w", err)
	}
	if !applied {
		return profile.ErrAlreadyExists
	}

	err = r.client.ExecuteWithRetry(
		r.client.Prepared.CreateProfile.Bind(
			bucket, p.ID, username, p.PhoneNumber, p.PhoneVerified,
			p.TOTPEnabled, p.OnboardingCompleted, p.CreatedAt, p.UpdatedAt,
		).WithContext(ctx), 2)
	if err != nil {
		util.Error("failed to create profile",
			util.String("user_id", p.ID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create profile: %w", err)
	}

	util.Info("profile created",
		util.String("user_id", p.ID),
		util.String("username", username),
		util.Int("user_bucket", bucket))
	return nil
}

func (r *ProfileRepository) GetByUsername(ctx context.Context, username string) (*profile.Profile, error) {
	normalized, err := profile.NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	var bucket int
	var userID string
	err = r.client.Prepared.GetIDByUsername.
		Bind(normalized).
		WithContext(ctx).
		Scan(&bucket, &userID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, profile.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve username: %w", err)
	}

	return r.getByBucketAndID(ctx, bucket, userID)
}

func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*profile.Profile, error) {
	return r.getByBucketAndID(ctx, r.buckets.UserBucket(id), id)
}

func (r *ProfileRepository) getByBucketAndID(ctx context.Context, bucket int, id string) (*profile.Profile, error) {
	p := &profile.Profile{}
	var gotBucket int

	err := r.client.Prepared.GetProfileByID.
		Bind(bucket, id).
		WithContext(ctx).
		Scan(&gotBucket, &p.ID, &p.Username, &p.PhoneNumber, &p.PhoneVerified,
			&p.TOTPEnabled, &p.OnboardingCompleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, profile.ErrNotFound
		}
		util.Error("failed to get profile",
			util.String("user_id", id),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return p, nil
}

func (r *ProfileRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	normalized, err := profile.NormalizeUsername(username)
	if err != nil {
		return false, err
	}

	var bucket int
	var userID string
	err = r.client.Prepared.GetIDByUsername.
		Bind(normalized).
		WithContext(ctx).
		Scan(&bucket, &userID)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return true, nil
}

// SaveSecret stores the sealed envelope and flips totp_enabled in one write.
func (r *ProfileRepository) SaveSecret(ctx context.Context, userID string, sealed []byte) error {
	err := r.client.ExecuteWithRetry(
		r.client.Prepared.SaveSecret.Bind(
			sealed, time.Now().UTC(), r.buckets.UserBucket(userID), userID,
		).WithContext(ctx), 2)
	if err != nil {
		util.Error("failed to save authenticator secret",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("failed to save authenticator secret: %w", err)
	}

	util.Info("authenticator secret enrolled", util.String("user_id", userID))
	return nil
}

func (r *ProfileRepository) GetSecret(ctx context.Context, userID string) ([]byte, error) {
	var sealed []byte
	err := r.client.Prepared.GetSecret.
		Bind(r.buckets.UserBucket(userID), userID).
		WithContext(ctx).
		Scan(&sealed)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, profile.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load authenticator secret: %w", err)
	}
	if len(sealed) == 0 {
		return nil, profile.ErrNoSecret
	}
	return sealed, nil
}

func (r *ProfileRepository) SetPhoneVerified(ctx context.Context, userID, phoneNumber string) error {
	err := r.client.ExecuteWithRetry(
		r.client.Prepared.SetPhoneVerified.Bind(
			phoneNumber, time.Now().UTC(), r.buckets.UserBucket(userID), userID,
		).WithContext(ctx), 2)
	if err != nil {
		return fmt.Errorf("failed to mark phone verified: %w", err)
	}

	util.Info("phone number verified", util.String("user_id", userID))
	return nil
}

func (r *ProfileRepository) SetOnboardingCompleted(ctx context.Context, userID string) error {
	err := r.client.ExecuteWithRetry(
		r.client.Prepared.SetOnboardingCompleted.Bind(
			time.Now().UTC(), r.buckets.UserBucket(userID), userID,
		).WithContext(ctx), 2)
	if err != nil {
		return fmt.Errorf("failed to mark onboarding completed: %w", err)
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

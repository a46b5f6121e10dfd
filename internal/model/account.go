package model

import "time"

// Account represents a member of the loyalty program as stored in the
// `accounts` table. The json tags are omitted here because these
// structs are used internally by the repository layer; handlers define
// separate response types with appropriate JSON tags.
//
// Fields:
//  ID           – primary key identifier of the account.
//  UTORid       – unique 7–8 character alphanumeric handle, immutable
//                 after creation.
//  Email        – unique email address.
//  Name         – display name.
//  Birthday     – optional date of birth (date only, stored as DATE).
//  AvatarURL    – optional URL of the profile picture.
//  Role         – clearance level (REGULAR, CASHIER, MANAGER, SUPERUSER).
//  Points       – running point balance. Authoritative value equals the
//                 sum of amounts over the account's non-suspicious,
//                 non-pending transactions; every mutation happens under
//                 a row lock inside a database transaction.
//  Verified     – whether a cashier or manager has verified the account.
//                 Transitions one way, false to true.
//  Suspicious   – flag set by managers; while true, none of the
//                 account's transactions count toward its balance.
//  PasswordHash – bcrypt hashed password; empty until the account is
//                 activated through a reset token.
//  CreatedAt    – timestamp of creation.
//  LastLogin    – timestamp of the most recent login (nullable).
type Account struct {
	ID           uint64     // accounts.id
	UTORid       string     // accounts.utorid
	Email        string     // accounts.email
	Name         string     // accounts.name
	Birthday     *string    // accounts.birthday (nullable, YYYY-MM-DD)
	AvatarURL    *string    // accounts.avatar_url (nullable)
	Role         Role       // accounts.role
	Points       int64      // accounts.points
	Verified     bool       // accounts.verified
	Suspicious   bool       // accounts.suspicious
	PasswordHash string     // accounts.password_hash
	CreatedAt    time.Time  // accounts.created_at
	LastLogin    *time.Time // accounts.last_login (nullable)
}

// RefreshToken models an entry in the `refresh_tokens` table. The
// plain token is never stored; only its SHA-256 hash.
//
// Fields:
//  ID        – primary key identifier.
//  AccountID – owner of the token.
//  TokenHash – SHA-256 hex digest of the token value.
//  ExpiresAt – expiration timestamp.
//  RevokedAt – when the token was revoked (null if still active).
//  CreatedAt – timestamp of creation.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	AccountID uint64     // refresh_tokens.account_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}

// ResetToken models a one-time password-reset token issued when a
// cashier or manager creates an account, or on explicit request. It is
// separate from login tokens: it can only be exchanged once for a new
// password and expires independently. Only the SHA-256 hash of the
// token value is persisted.
//
// Fields:
//  ID        – primary key identifier.
//  AccountID – account the token activates.
//  TokenHash – SHA-256 hex digest of the token value.
//  ExpiresAt – expiration timestamp.
//  UsedAt    – when the token was consumed (null if unused).
//  CreatedAt – timestamp of creation.
type ResetToken struct {
	ID        uint64     // reset_tokens.id
	AccountID uint64     // reset_tokens.account_id
	TokenHash string     // reset_tokens.token_hash
	ExpiresAt time.Time  // reset_tokens.expires_at
	UsedAt    *time.Time // reset_tokens.used_at (nullable)
	CreatedAt time.Time  // reset_tokens.created_at
}

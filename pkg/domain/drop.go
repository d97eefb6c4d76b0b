package domain

import (
	"time"
)

type Kind int

const (
	KindText Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "text"
}

// Drop is one stored snippet or file. Payload holds the double-encrypted
// bytes for text drops; for file drops the ciphertext lives in blob
// storage under BlobKey and Payload is empty.
type Drop struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       []byte    `json:"-"`
	BlobKey       string    `json:"-"`
	Language      string    `json:"language,omitempty"`
	Title         string    `json:"title,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	FileSize      int64     `json:"file_size,omitempty"`
	FileMime      string    `json:"file_mime,omitempty"`
	ServerKeyEnc  []byte    `json:"-"`
	PasswordHash  string    `json:"-"`
	BurnAfterRead bool      `json:"burn_after_read"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ViewCount     int       `json:"view_count"`
	IsDeleted     bool      `json:"-"`
}

// Protected reports whether a password layer was applied at creation.
// The encoded hash carries its own salt, so an empty hash is the only
// signal needed to select the single-layer decrypt path.
func (d *Drop) Protected() bool {
	return d.PasswordHash != ""
}

// Expired is the lazy-expiry predicate; a zero ExpiresAt never expires.
func (d *Drop) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(now)
}

type CreateParams struct {
	Content       []byte
	Kind          Kind
	Password      string
	Language      string
	Title         string
	FileName      string
	FileMime      string
	Duration      time.Duration
	BurnAfterRead bool
}

// Meta is the shape revealed without a valid password. Content never
// appears here.
type Meta struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Language      string    `json:"language,omitempty"`
	Title         string    `json:"title,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	FileSize      int64     `json:"file_size,omitempty"`
	ViewCount     int       `json:"view_count"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Protected     bool      `json:"password_protected"`
	BurnAfterRead bool      `json:"burn_after_read"`
}

func (d *Drop) Meta() Meta {
	return Meta{
		ID:            d.ID,
		Kind:          d.Kind.String(),
		Language:      d.Language,
		Title:         d.Title,
		FileName:      d.FileName,
		FileSize:      d.FileSize,
		ViewCount:     d.ViewCount,
		CreatedAt:     d.CreatedAt,
		ExpiresAt:     d.ExpiresAt,
		Protected:     d.Protected(),
		BurnAfterRead: d.BurnAfterRead,
	}
}

// Revealed is the result of a successful content-revealing read.
type Revealed struct {
	Meta    Meta
	Content []byte
	Burned  bool
}

// BlockedAddress is a denylist entry checked before any rate-limit
// accounting.
type BlockedAddress struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
}

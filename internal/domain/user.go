// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

// Identity is a stable logical user reference, independent of any
// single connection. It is issued by the external auth collaborator.
type Identity string

func (i Identity) String() string { return string(i) }

// DisplayInfo is UI enrichment only, never used for routing.
type DisplayInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type User struct {
	ID   Identity    `json:"id"`
	Info DisplayInfo `json:"info"`
}

// NewGuestUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewGuestUser(name string) (*User, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrNameTooLong
	}
	return &User{
		ID:   Identity(uuid.NewString()),
		Info: DisplayInfo{Name: name},
	}, nil
}

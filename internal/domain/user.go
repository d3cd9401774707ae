package domain

import (
	"strings"
	"time"
)

// DefaultSound is sent when a user has no sound preference.
const DefaultSound = "default"

// User is the owner of medications, as seen by the dispatcher.
type User struct {
	ID        string
	PushToken *string // nullable push address
	Sound     string  // free-form, "" means default
	CreatedAt time.Time
}

// PushAddress returns the trimmed push token and whether one is set.
func (u *User) PushAddress() (string, bool) {
	if u == nil || u.PushToken == nil {
		return "", false
	}
	addr := strings.TrimSpace(*u.PushToken)
	return addr, addr != ""
}

// SoundName resolves the sound preference, falling back to DefaultSound.
func (u *User) SoundName() string {
	if u == nil {
		return DefaultSound
	}
	if s := strings.TrimSpace(u.Sound); s != "" {
		return s
	}
	return DefaultSound
}

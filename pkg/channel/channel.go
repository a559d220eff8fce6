// Package channel derives broker resource names for a user.
//
// Every name is "{prefix}:user:{purpose}:{user}". Purposes are fixed tokens,
// none of which is a prefix of another, so two different (user, purpose)
// pairs never map to the same name.
package channel

import (
	"fmt"
	"strings"
	"unicode"
)

type Purpose string

const (
	Instant      Purpose = "inbox:instant"
	Notification Purpose = "notifications"
	Offline      Purpose = "inbox:offline"
	Presence     Purpose = "online"
)

const (
	DefaultPrefix = "chalk"
	maxUserIDLen  = 128
)

type Addresser struct {
	prefix string
}

func New(prefix string) Addresser {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Addresser{prefix: prefix}
}

func (a Addresser) Prefix() string { return a.prefix }

func (a Addresser) For(p Purpose, userID string) string {
	return fmt.Sprintf("%s:user:%s:%s", a.prefix, p, userID)
}

func (a Addresser) Instant(userID string) string      { return a.For(Instant, userID) }
func (a Addresser) Notification(userID string) string { return a.For(Notification, userID) }
func (a Addresser) Offline(userID string) string      { return a.For(Offline, userID) }
func (a Addresser) Presence(userID string) string     { return a.For(Presence, userID) }

// OfflinePattern matches every offline list under this prefix (SCAN MATCH).
func (a Addresser) OfflinePattern() string {
	return fmt.Sprintf("%s:user:%s:*", a.prefix, Offline)
}

// UserFromOffline recovers the user id from an offline list key.
func (a Addresser) UserFromOffline(key string) (string, bool) {
	p := fmt.Sprintf("%s:user:%s:", a.prefix, Offline)
	if !strings.HasPrefix(key, p) || len(key) == len(p) {
		return "", false
	}
	return key[len(p):], true
}

// ValidUserID reports whether id can be used as an address component.
// Glob metacharacters are rejected so scan patterns stay exact.
func ValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
		switch r {
		case '*', '?', '[', ']', '\\':
			return false
		}
	}
	return true
}

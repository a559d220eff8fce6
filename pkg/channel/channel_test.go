package channel

import "testing"

func TestAddressesAreDistinctPerPurpose(t *testing.T) {
	a := New("")
	seen := map[string]string{}
	for _, u := range []string{"u1", "u2", "inbox:instant:u1", "online:u1"} {
		for _, p := range []Purpose{Instant, Notification, Offline, Presence} {
			name := a.For(p, u)
			if prev, ok := seen[name]; ok {
				t.Fatalf("collision: %s for %s and %s/%s", name, prev, p, u)
			}
			seen[name] = string(p) + "/" + u
		}
	}
}

func TestAddressFormat(t *testing.T) {
	a := New("chalk")
	if got := a.Instant("42"); got != "chalk:user:inbox:instant:42" {
		t.Fatalf("instant=%s", got)
	}
	if got := a.Presence("42"); got != "chalk:user:online:42" {
		t.Fatalf("presence=%s", got)
	}
	if got := a.OfflinePattern(); got != "chalk:user:inbox:offline:*" {
		t.Fatalf("pattern=%s", got)
	}
	u, ok := a.UserFromOffline(a.Offline("abc"))
	if !ok || u != "abc" {
		t.Fatalf("user from offline = %q %v", u, ok)
	}
	if _, ok := a.UserFromOffline(a.Instant("abc")); ok {
		t.Fatalf("instant key must not parse as offline")
	}
}

func TestValidUserID(t *testing.T) {
	for _, id := range []string{"", " ", "a b", "x*", "a?", "tab\t"} {
		if ValidUserID(id) {
			t.Errorf("expected %q to be rejected", id)
		}
	}
	for _, id := range []string{"42", "3f2c9d1e-7c1b-4a51-9f1e-1d2b3c4d5e6f", "user:7"} {
		if !ValidUserID(id) {
			t.Errorf("expected %q to be accepted", id)
		}
	}
}

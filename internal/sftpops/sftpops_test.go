package sftpops

import (
	"testing"
)

func TestFormatPermissions_Bijective(t *testing.T) {
	seen := make(map[string]uint32)
	for mode := uint32(0); mode < 0o1000; mode++ {
		s := FormatPermissions(mode)
		if len(s) != 9 {
			t.Fatalf("FormatPermissions(%o) = %q, want length 9", mode, s)
		}
		if prev, ok := seen[s]; ok {
			t.Fatalf("FormatPermissions collision: %o and %o both render %q", prev, mode, s)
		}
		seen[s] = mode
	}
}

func TestFormatPermissions_KnownValues(t *testing.T) {
	cases := []struct {
		mode uint32
		want string
	}{
		{0o000, "---------"},
		{0o777, "rwxrwxrwx"},
		{0o644, "rw-r--r--"},
		{0o755, "rwxr-xr-x"},
		{0o600, "rw-------"},
	}
	for _, c := range cases {
		got := FormatPermissions(c.mode)
		if got != c.want {
			t.Errorf("FormatPermissions(%o) = %q, want %q", c.mode, got, c.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"/home", "/"},
		{"/home/", "/"},
		{"/home/user", "/home"},
		{"/home/user/docs", "/home/user"},
		{"relative", "/"},
	}
	for _, c := range cases {
		got := ParentPath(c.in)
		if got != c.want {
			t.Errorf("ParentPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSortEntries_DirsFirstThenCaseInsensitive(t *testing.T) {
	entries := []Entry{
		{Name: "zeta.txt", IsDir: false},
		{Name: "Banana", IsDir: true},
		{Name: "apple.txt", IsDir: false},
		{Name: "alpha", IsDir: true},
		{Name: "Apple.txt", IsDir: false},
	}

	sortEntries(entries)

	wantOrder := []string{"alpha", "Banana", "apple.txt", "Apple.txt", "zeta.txt"}
	if len(entries) != len(wantOrder) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantOrder))
	}
	for i, name := range wantOrder {
		if entries[i].Name != name {
			t.Errorf("position %d: got %q, want %q (full order: %v)", i, entries[i].Name, name, namesOf(entries))
		}
	}
}

func namesOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

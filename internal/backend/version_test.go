package backend

import (
	"fmt"
	"testing"
)

func TestParsePgVersion(t *testing.T) {
	tests := []struct {
		in      string
		major   int
		minor   int
		wantErr bool
	}{
		{"PostgreSQL 12.3 on x86_64-pc-linux-gnu, compiled by gcc", 120, 3, false},
		{"PostgreSQL 9.6.24 on x86_64-pc-linux-gnu", 96, 24, false},
		{"PostgreSQL 12beta1 on x86_64-pc-linux-gnu", 120, 0, false},
		{"PostgreSQL 10.0 on x86_64", 100, 0, false},
		{"PostgreSQL 15.4 (Debian 15.4-1) on aarch64", 150, 4, false},
		{"PostgreSQL 9.4.1 on x86_64", 94, 1, false},
		{"PostgreSQL 5.0 on x86_64", 0, 0, true},     // major below the supported band
		{"PostgreSQL 101.0 on x86_64", 0, 0, true},   // major above the supported band
		{"PostgreSQL", 0, 0, true},                   // no space
		{"PostgreSQL junk.0 on x86_64", 0, 0, true},  // no leading digits
	}

	for _, tt := range tests {
		v, err := parsePgVersion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %+v", tt.in, v)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if v.Major != tt.major || v.Minor != tt.minor {
			t.Errorf("%q: got (%d,%d), want (%d,%d)", tt.in, v.Major, v.Minor, tt.major, tt.minor)
		}
		if v.VersionString == "" {
			t.Errorf("%q: version string not retained", tt.in)
		}
	}
}

func TestParsePgVersionTruncatesVersionString(t *testing.T) {
	long := "PostgreSQL 12.3 on "
	for len(long) < 4*versionStringMax {
		long += "x"
	}
	v, err := parsePgVersion(long)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(v.VersionString) != versionStringMax-1 {
		t.Errorf("version string length = %d, want %d", len(v.VersionString), versionStringMax-1)
	}
}

// countingQuerier returns a fixed version string and counts queries.
type countingQuerier struct {
	result  string
	err     error
	queries int
}

func (q *countingQuerier) SimpleQuery(sql string) (string, error) {
	q.queries++
	if sql != "SELECT version()" {
		return "", fmt.Errorf("unexpected query: %q", sql)
	}
	return q.result, q.err
}

func TestVersionCachePopulatesOnce(t *testing.T) {
	q := &countingQuerier{result: "PostgreSQL 12.3 on x86_64-pc-linux-gnu"}
	vc := NewVersionCache(16)

	if vc.Cached() != nil {
		t.Fatal("cache should start unpopulated")
	}

	v1, err := vc.Get(q)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if v1.Major != 120 || v1.Minor != 3 {
		t.Fatalf("got (%d,%d), want (120,3)", v1.Major, v1.Minor)
	}

	v2, err := vc.Get(q)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if q.queries != 1 {
		t.Errorf("expected exactly one wire query, got %d", q.queries)
	}
	if v1 != v2 {
		t.Error("second Get should return the identical cached record")
	}
	if vc.Cached() != v1 {
		t.Error("Cached should expose the populated record")
	}
}

func TestVersionCacheFailureCachesNothing(t *testing.T) {
	q := &countingQuerier{err: fmt.Errorf("backend is gone")}
	vc := NewVersionCache(16)

	if _, err := vc.Get(q); err == nil {
		t.Fatal("expected error from failing probe")
	}
	if vc.Cached() != nil {
		t.Fatal("a failed probe must not populate the cache")
	}

	// The next call probes again.
	q.err = nil
	q.result = "PostgreSQL 9.6.24 on x86_64"
	v, err := vc.Get(q)
	if err != nil {
		t.Fatalf("recovered Get: %v", err)
	}
	if v.Major != 96 || v.Minor != 24 {
		t.Errorf("got (%d,%d), want (96,24)", v.Major, v.Minor)
	}
}

func TestVersionCacheMalformedStringFails(t *testing.T) {
	q := &countingQuerier{result: "PostgreSQL 5.0 on x86_64"}
	vc := NewVersionCache(16)

	if _, err := vc.Get(q); err == nil {
		t.Fatal("expected error for out-of-band major version")
	}
}

package locate

import "testing"

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Version
		ok   bool
	}{
		{name: "bare triple", raw: "0.3.1", want: Version{Minor: 3, Patch: 1}, ok: true},
		{name: "prefixed probe output", raw: "flumeng 0.3.1", want: Version{Minor: 3, Patch: 1}, ok: true},
		{name: "prerelease", raw: "1.0.0-rc.2", want: Version{Major: 1, Prerelease: "rc.2"}, ok: true},
		{name: "build metadata ignored", raw: "0.2.0+build.17", want: Version{Minor: 2}, ok: true},
		{name: "surrounding whitespace", raw: "  flumeng 2.10.4\n", want: Version{Major: 2, Minor: 10, Patch: 4}, ok: true},
		{name: "empty", raw: "", ok: false},
		{name: "no version at all", raw: "usage: flumeng [command]", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseVersion(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("version = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVersionCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Version
		want int
	}{
		{name: "equal", a: Version{Minor: 1}, b: Version{Minor: 1}, want: 0},
		{name: "major wins", a: Version{Major: 1}, b: Version{Minor: 9, Patch: 9}, want: 1},
		{name: "minor wins", a: Version{Minor: 2}, b: Version{Minor: 1, Patch: 9}, want: 1},
		{name: "patch wins", a: Version{Patch: 2}, b: Version{Patch: 1}, want: 1},
		{name: "prerelease before release", a: Version{Major: 1, Prerelease: "rc.1"}, b: Version{Major: 1}, want: -1},
		{name: "prereleases ordered lexically", a: Version{Prerelease: "alpha"}, b: Version{Prerelease: "beta"}, want: -1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare = %d, want %d", got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Fatalf("reverse Compare = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestVersionSupports(t *testing.T) {
	t.Parallel()

	v := MinSupportedVersion
	for _, feature := range []string{"sim", "Simulate", " calibrate ", "get-api", "test"} {
		if !v.Supports(feature) {
			t.Fatalf("minimum version should support %q", feature)
		}
	}

	old := Version{Minor: 0, Patch: 9}
	if old.Supports("sim") {
		t.Fatal("pre-minimum version must not claim feature support")
	}
	if !RecommendedVersion.Supports("some-future-feature") {
		t.Fatal("recommended version should satisfy the unknown-feature floor")
	}
}

func TestVersionString(t *testing.T) {
	t.Parallel()

	if got := (Version{Major: 1, Minor: 2, Patch: 3}).String(); got != "1.2.3" {
		t.Fatalf("String = %q", got)
	}
	if got := (Version{Minor: 4, Prerelease: "beta.1"}).String(); got != "0.4.0-beta.1" {
		t.Fatalf("String = %q", got)
	}
}

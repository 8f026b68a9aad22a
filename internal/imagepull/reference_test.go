package imagepull

import "testing"

func TestValidateReference(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"alpine", false},
		{"alpine:3.19", false},
		{"docker.io/library/alpine:latest", false},
		{"ghcr.io/foo/bar:v1", false},
		{"INVALID UPPER SPACE", true},
		{"", true},
	}
	for _, c := range cases {
		named, err := ValidateReference(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateReference(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && named.String() == "" {
			t.Errorf("ValidateReference(%q) produced empty name", c.in)
		}
	}
}

func TestSanitizeImageRef(t *testing.T) {
	cases := map[string]string{
		"docker.io/library/alpine:latest": "docker.io_library_alpine_latest",
		"ghcr.io/foo/bar:v1":              "ghcr.io_foo_bar_v1",
	}
	for in, want := range cases {
		if got := SanitizeImageRef(in); got != want {
			t.Errorf("SanitizeImageRef(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnsanitizeImageRefIsLossyRoundTrip(t *testing.T) {
	key := SanitizeImageRef("ghcr.io/foo/bar:v1")
	got := UnsanitizeImageRef(key)
	if got == "" {
		t.Fatal("UnsanitizeImageRef produced empty string")
	}
}

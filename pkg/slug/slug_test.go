package slug

import (
	"testing"

	"github.com/cpkg/cpkg/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Identifier
	}{
		{"foo/bar", Identifier{Author: "foo", Name: "bar", Version: "*"}},
		{"foo/bar@1.2.3", Identifier{Author: "foo", Name: "bar", Version: "1.2.3"}},
		{"foo/bar@", Identifier{Author: "foo", Name: "bar", Version: "*"}},
		{"clibs/ms@master", Identifier{Author: "clibs", Name: "ms", Version: "master"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "foo", "/bar", "foo/", "a/b/c", ".", "./lib", "/abs/path"} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); !errors.Is(err, errors.ErrCodeInvalidSlug) {
				t.Errorf("Parse(%q) error = %v, want INVALID_SLUG", input, err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// Parsing then dropping the version reproduces the author/name pair.
	for _, input := range []string{"foo/bar", "foo/bar@1.0.0", "a/b@*"} {
		id, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q): %v", input, err)
		}
		if id.Slug() != id.Author+"/"+id.Name {
			t.Errorf("Slug() = %q, want %q", id.Slug(), id.Author+"/"+id.Name)
		}
	}
}

func TestIsLocal(t *testing.T) {
	for input, want := range map[string]bool{
		".":        true,
		"./":       true,
		"./vendor": true,
		"../lib":   true,
		"/usr/src": true,
		"foo/bar":  false,
	} {
		if got := IsLocal(input); got != want {
			t.Errorf("IsLocal(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestPinned(t *testing.T) {
	pinned, _ := Parse("foo/bar@1.0.0")
	if !pinned.Pinned() {
		t.Error("foo/bar@1.0.0 should be pinned")
	}
	floating, _ := Parse("foo/bar")
	if floating.Pinned() {
		t.Error("foo/bar should not be pinned")
	}
}

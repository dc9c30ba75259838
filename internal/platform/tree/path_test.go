package tree

import (
	"errors"
	"reflect"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"/", "", false},
		{"users/u1", "users/u1", false},
		{"/users/u1/", "users/u1", false},
		{"users//u1", "", true},
		{"users/u.1", "", true},
		{"users/u#1", "", true},
		{"users/$u", "", true},
		{"users/[0]", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Clean(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Fatalf("expected ErrInvalidPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	if got := Join("appointments", "", "/u1/", "a1"); got != "appointments/u1/a1" {
		t.Errorf("unexpected join: %q", got)
	}
	if got := Join(); got != "" {
		t.Errorf("expected empty join, got %q", got)
	}
}

func TestAncestors(t *testing.T) {
	if got := Ancestors("a"); got != nil {
		t.Errorf("expected no ancestors, got %v", got)
	}
	want := []string{"a", "a/b"}
	if got := Ancestors("a/b/c"); !reflect.DeepEqual(got, want) {
		t.Errorf("Ancestors = %v, want %v", got, want)
	}
}

func TestRelated(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"a/b", "a/b", true},
		{"a", "a/b", true},
		{"a/b/c", "a/b", true},
		{"", "x/y", true},
		{"a/b", "a/bc", false},
		{"a/b", "c", false},
	}
	for _, tt := range tests {
		if got := Related(tt.a, tt.b); got != tt.want {
			t.Errorf("Related(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

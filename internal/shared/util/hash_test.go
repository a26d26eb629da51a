package util

import (
	"errors"
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	got := HashKey("animate_image", "https://cdn.example/a.png")
	if got != HashKey("animate_image", "https://cdn.example/a.png") {
		t.Fatalf("expected stable hash, got %s", got)
	}
	if got == HashKey("animate_image", "https://cdn.example/b.png") {
		t.Fatalf("expected different inputs to hash differently")
	}
	if HashKey("ab", "c") == HashKey("a", "bc") {
		t.Fatalf("expected part boundaries to matter")
	}
	for _, ch := range got {
		if !((ch >= 'a' && ch <= 'f') || (ch >= '0' && ch <= '9')) {
			t.Fatalf("hash contains non-hex character: %c", ch)
		}
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(got))
	}
}

func TestSanitizeError(t *testing.T) {
	if SanitizeError(nil) != "" {
		t.Fatalf("expected empty string for nil")
	}
	msg := SanitizeError(errors.New("line one\nline two\r\n" + strings.Repeat("x", 600)))
	if strings.ContainsAny(msg, "\r\n") {
		t.Fatalf("expected single line, got %q", msg)
	}
	if len(msg) != 500 {
		t.Fatalf("expected truncation to 500, got %d", len(msg))
	}
}

func TestSanitizeFileName(t *testing.T) {
	if _, err := SanitizeFileName("../etc"); err == nil {
		t.Fatalf("expected traversal rejection")
	}
	got, err := SanitizeFileName(" scene/1 ")
	if err != nil || got != "scene_1" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

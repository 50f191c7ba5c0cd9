package util

import "testing"

func TestHideSecret(t *testing.T) {
	cases := map[string]string{
		"abcdefghijkl": "abcd...ijkl",
		"abcdef":       "ab...ef",
		"abc":          "a...c",
		"ab":           "ab",
	}
	for in, want := range cases {
		if got := HideSecret(in); got != want {
			t.Fatalf("HideSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWritablePath(t *testing.T) {
	t.Setenv("WRITABLE_PATH", " /var/lib/viewpool/ ")
	if got := WritablePath(); got != "/var/lib/viewpool" {
		t.Fatalf("unexpected writable path %q", got)
	}
}

func TestShortPostURL(t *testing.T) {
	if got := ShortPostURL("https://t.me/x/1"); got != "t.me/x/1" {
		t.Fatalf("unexpected short url %q", got)
	}
}

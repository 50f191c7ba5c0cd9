package proxylist

import (
	"errors"
	"strings"
	"testing"
)

func TestParseValidList(t *testing.T) {
	text := "ip:10.0.0.1;port:1080;protocol:SOCKS5;login:u1;password:p1\n\n" +
		"ip:10.0.0.2;port:8080;protocol:http;login:u2;password:p2;name:edge;refresh_link:https://r.example/2\n"

	entries, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Protocol != "socks5" || entries[0].Name != "Proxy 10.0.0.1:1080" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Name != "edge" || entries[1].RefreshLink != "https://r.example/2" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
	model := entries[1].Model()
	if model.Host != "10.0.0.2" || model.Port != 8080 || !model.IsActive || model.MaxAccounts != 10 {
		t.Fatalf("unexpected model %+v", model)
	}
}

func TestParseRejectsBadLines(t *testing.T) {
	cases := map[string]string{
		"ip:10.0.0.1;port:0;protocol:http;login:u;password:p":     "invalid port",
		"ip:not-an-ip;port:80;protocol:http;login:u;password:p":   "invalid ip",
		"ip:10.0.0.1;port:80;protocol:http;login:u":               "missing required field",
		"ip:10.0.0.1;port:80;protocol:http;login:u;password":      "malformed field",
		"ip:10.0.0.1;port:99999;protocol:http;login:u;password:p": "invalid port",
	}
	for line, want := range cases {
		_, err := Parse("ip:10.0.0.9;port:80;protocol:http;login:a;password:b\n" + line)
		if err == nil {
			t.Fatalf("expected error for %q", line)
		}
		if !strings.Contains(err.Error(), want) || !strings.Contains(err.Error(), "line 2") {
			t.Fatalf("expected %q on line 2, got %v", want, err)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(" \n\n"); !errors.Is(err, ErrEmptyList) {
		t.Fatalf("expected ErrEmptyList, got %v", err)
	}
}

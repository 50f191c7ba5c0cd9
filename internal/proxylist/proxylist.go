// Package proxylist parses the line-oriented proxy list submitted with imports.
//
// Each non-blank line describes one proxy as semicolon separated key:value
// pairs, for example:
//
//	ip:10.0.0.1;port:1080;protocol:socks5;login:user;password:secret;name:de-1
package proxylist

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/postreach/viewpool/internal/models"
)

// ErrEmptyList is returned when the input contains no proxies.
var ErrEmptyList = errors.New("proxylist: no valid proxies")

var requiredFields = []string{"ip", "port", "protocol", "login", "password"}

// Entry is one parsed proxy line.
type Entry struct {
	Host        string
	Port        int
	Protocol    string
	Login       string
	Password    string
	RefreshLink string
	Name        string
}

// Model converts the entry into an unsaved proxy row.
func (e Entry) Model() models.Proxy {
	return models.Proxy{
		Name:        e.Name,
		Host:        e.Host,
		Port:        e.Port,
		Protocol:    e.Protocol,
		Login:       e.Login,
		Password:    e.Password,
		RefreshLink: e.RefreshLink,
		IsActive:    true,
		MaxAccounts: 10,
	}
}

// Parse parses every line of text; the first invalid line fails the whole list.
func Parse(text string) ([]Entry, error) {
	var entries []Entry
	for idx, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, errLine := parseLine(line)
		if errLine != nil {
			return nil, fmt.Errorf("proxylist: line %d: %w", idx+1, errLine)
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyList
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(line, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return Entry{}, fmt.Errorf("malformed field %q", part)
		}
		fields[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}

	for _, field := range requiredFields {
		if fields[field] == "" {
			return Entry{}, fmt.Errorf("missing required field %q", field)
		}
	}

	port, errPort := strconv.Atoi(fields["port"])
	if errPort != nil || port < 1 || port > 65535 {
		return Entry{}, fmt.Errorf("invalid port %q", fields["port"])
	}
	if net.ParseIP(fields["ip"]) == nil {
		return Entry{}, fmt.Errorf("invalid ip %q", fields["ip"])
	}

	name := fields["name"]
	if name == "" {
		name = fmt.Sprintf("Proxy %s:%d", fields["ip"], port)
	}
	return Entry{
		Host:        fields["ip"],
		Port:        port,
		Protocol:    strings.ToLower(fields["protocol"]),
		Login:       fields["login"],
		Password:    fields["password"],
		RefreshLink: fields["refresh_link"],
		Name:        name,
	}, nil
}

package webfetch

import (
	"net"
	"strings"
	"testing"
)

func TestValidateURLSafetySchemes(t *testing.T) {
	for _, u := range []string{
		"file:///etc/passwd",
		"ftp://example.com",
		"javascript:alert(1)",
		"example.com", // no scheme at all
	} {
		err := ValidateURLSafety(u)
		if err == nil || !strings.Contains(err.Error(), "scheme") {
			t.Errorf("ValidateURLSafety(%q) = %v, want scheme error", u, err)
		}
	}
}

func TestValidateURLSafetyBlockedHosts(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		reason string // substring expected in the error
	}{
		{"localhost", "http://localhost", "loopback"},
		{"loopback v4", "http://127.0.0.1", "loopback"},
		{"loopback with port", "http://127.0.0.1:3000", "loopback"},
		{"loopback range end", "http://127.255.255.255", "loopback"},
		{"loopback v6", "http://[::1]", "loopback"},
		{"rfc1918 ten", "http://10.0.0.1", "private"},
		{"rfc1918 172", "http://172.16.0.1", "private"},
		{"rfc1918 192", "http://192.168.1.1", "private"},
		{"link local", "http://169.254.1.1", "link-local"},
		{"aws metadata ip", "http://169.254.169.254", "link-local"},
		{"gcp metadata host", "http://metadata.google.internal", "cloud metadata hostname"},
		{"all zeros", "http://0.0.0.0", "unspecified"},
		{"no host", "http:///path", "empty hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURLSafety(tt.url)
			if err == nil {
				t.Fatalf("ValidateURLSafety(%q) = nil, want blocked", tt.url)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("ValidateURLSafety(%q) = %v, want %q in error", tt.url, err, tt.reason)
			}
		})
	}
}

func TestIsBlockedIPPublic(t *testing.T) {
	for _, addr := range []string{"93.184.216.34", "8.8.8.8", "2606:2800:220:1:248:1893:25c8:1946"} {
		ip := net.ParseIP(addr)
		if ip == nil {
			t.Fatalf("bad test address %q", addr)
		}
		if reason := isBlockedIP(ip); reason != "" {
			t.Errorf("isBlockedIP(%s) = %q, want allowed", addr, reason)
		}
	}
}

func TestIsBlockedIPMapped(t *testing.T) {
	ip := net.ParseIP("::ffff:127.0.0.1")
	if ip == nil {
		t.Fatal("bad mapped address")
	}
	if reason := isBlockedIP(ip); reason == "" {
		t.Error("IPv4-mapped loopback not blocked")
	}
}

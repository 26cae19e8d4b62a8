package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

// TestIPRateLimiterIsolatesIPs gives each IP its own budget.
func TestIPRateLimiterIsolatesIPs(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	if !rl.Allow("1.1.1.1") {
		t.Fatal("first request rejected")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("burst of 1 allowed a second request")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("second IP shares the first IP's budget")
	}
}

// TestGetClientIP prefers forwarded headers over the socket address.
func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if ip := GetClientIP(r); ip != "10.0.0.1" {
		t.Errorf("remote addr ip %q", ip)
	}

	r.Header.Set("X-Real-IP", "3.3.3.3")
	if ip := GetClientIP(r); ip != "3.3.3.3" {
		t.Errorf("x-real-ip %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "4.4.4.4, 5.5.5.5")
	if ip := GetClientIP(r); ip != "4.4.4.4" {
		t.Errorf("x-forwarded-for %q, want first hop", ip)
	}
}

// TestConnLimiter caps concurrent slots per IP and frees them on release.
func TestConnLimiter(t *testing.T) {
	cl := NewConnLimiter(2)

	if !cl.Allow("ip") || !cl.Allow("ip") {
		t.Fatal("slots under the cap rejected")
	}
	if cl.Allow("ip") {
		t.Error("third concurrent slot allowed")
	}

	cl.Release("ip")
	if !cl.Allow("ip") {
		t.Error("released slot not reusable")
	}

	// Unknown IPs release harmlessly.
	cl.Release("stranger")
}

// Package bypass recognizes bot-protection walls in store responses, so a
// challenge page is reported as "blocked by X" instead of being parsed as a
// page with no offers.
package bypass

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// Page is the part of an HTTP response the detectors look at.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// BlockedError reports a response that was a bot wall.
type BlockedError struct {
	Vendor string
	Status int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s (HTTP %d)", e.Vendor, e.Status)
}

// Wall describes one vendor's challenge signatures. A page matches when its
// status is listed and any of the header, server or body markers hit.
type Wall struct {
	Vendor   string
	Statuses []int
	// Server substrings, lowercase.
	Server []string
	// Header names whose presence alone identifies the vendor.
	Headers []string
	// Body markers; each entry's fragments must all appear.
	Body [][]string
}

// Walls returns the built-in vendor signatures.
func Walls() []Wall {
	return []Wall{
		{
			Vendor:   "Cloudflare",
			Statuses: []int{http.StatusForbidden, http.StatusServiceUnavailable},
			Server:   []string{"cloudflare"},
			Body: [][]string{
				{"cf-browser-verification"}, {"cf-turnstile"}, {"cloudflare-nginx"},
				{"Attention Required! | Cloudflare"}, {"Just a moment..."},
			},
		},
		{
			Vendor:   "Akamai",
			Statuses: []int{http.StatusForbidden},
			Server:   []string{"akamai"},
			Body:     [][]string{{"Access Denied", "Reference #"}},
		},
		{
			Vendor:   "DataDome",
			Statuses: []int{http.StatusForbidden},
			Server:   []string{"datadome"},
			Headers:  []string{"X-DataDome", "X-DataDome-Response"},
			Body:     [][]string{{"geo.captcha-delivery.com"}, {"datadome"}},
		},
		{
			Vendor:   "PerimeterX",
			Statuses: []int{http.StatusForbidden},
			Headers:  []string{"X-Px-Captcha"},
			Body:     [][]string{{"client.perimeterx.net"}, {"px-captcha"}, {"_pxBlock"}},
		},
	}
}

// Match reports whether p carries this wall's signature.
func (w Wall) Match(p Page) bool {
	statusHit := false
	for _, s := range w.Statuses {
		if p.StatusCode == s {
			statusHit = true
			break
		}
	}
	if !statusHit {
		return false
	}

	server := strings.ToLower(p.Header.Get("Server"))
	for _, s := range w.Server {
		if server != "" && strings.Contains(server, s) {
			return true
		}
	}
	for _, h := range w.Headers {
		if p.Header.Get(h) != "" {
			return true
		}
	}
	for _, all := range w.Body {
		hit := true
		for _, frag := range all {
			if !bytes.Contains(p.Body, []byte(frag)) {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// Detect returns the vendor of the first wall p matches, or "".
func Detect(p Page, walls []Wall) string {
	for _, w := range walls {
		if w.Match(p) {
			return w.Vendor
		}
	}
	return ""
}

// Check returns a *BlockedError when p is a bot wall. A nil walls uses Walls().
func Check(p Page, walls []Wall) error {
	if walls == nil {
		walls = Walls()
	}
	if v := Detect(p, walls); v != "" {
		return &BlockedError{Vendor: v, Status: p.StatusCode}
	}
	return nil
}

// Package config holds the Client and Server configuration types.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

// Defaults applied by Normalize when a field is left zero.
const (
	DefaultClientURL             = "ws://localhost"
	DefaultIdentifier            = "DEFAULT"
	DefaultReconnectAttemptCount = 1
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL                   string // default DefaultClientURL
	Port                  int    // 0 = unset, no port appended
	Identifier            string // default DefaultIdentifier
	SecretKey             string // default ""
	OverrideKey           string // default "" (unset)
	ReconnectAttemptCount int    // default DefaultReconnectAttemptCount
}

// Normalize fills in defaults, leaving URL composition to DialURL.
func (c ClientConfig) Normalize() ClientConfig {
	if c.URL == "" {
		c.URL = DefaultClientURL
	}
	if c.Identifier == "" {
		c.Identifier = DefaultIdentifier
	}
	if c.ReconnectAttemptCount == 0 {
		c.ReconnectAttemptCount = DefaultReconnectAttemptCount
	}
	return c
}

// DialURL renders the final URL to dial: append ":port" if Port is set,
// then prepend "ws://" if the URL doesn't already carry a ws:// or wss://
// scheme.
func (c ClientConfig) DialURL() string {
	url := c.URL
	if c.Port != 0 {
		url = url + ":" + strconv.Itoa(c.Port)
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}
	return url
}

// ServerConfig configures a Server.
type ServerConfig struct {
	SecretKey   string // default ""
	OverrideKey string // default "": freshly generated at construction
}

// Normalize fills in OverrideKey with a freshly generated 64-byte hex value
// if unset.
func (c ServerConfig) Normalize() (ServerConfig, error) {
	if c.OverrideKey == "" {
		key, err := randomHex(64)
		if err != nil {
			return c, err
		}
		c.OverrideKey = key
	}
	return c, nil
}

// randomHex returns n cryptographically random bytes hex-encoded. Too large
// for google/uuid's fixed 16-byte output, so this one case stays on
// crypto/rand directly (see DESIGN.md).
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

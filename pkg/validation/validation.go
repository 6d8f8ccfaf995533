package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxUsernameLength = 32
	MaxMessageLength  = 16 * 1024
)

// UsernameRegex allows letters, digits, '.', '_' and '-'. '@' separates
// username from address and '*' is the wildcard, so both are excluded.
var UsernameRegex = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)

// ValidateUsername validates a username chosen by a peer. The empty username
// is allowed at connect time and means "no username".
func ValidateUsername(username string) error {
	if username == "" {
		return nil
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username is too long (max %d characters)", MaxUsernameLength)
	}
	if !UsernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, '.', '_', '-' allowed)")
	}
	return nil
}

// ValidateNewUsername is ValidateUsername for renames, where a value is required.
func ValidateNewUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}
	return ValidateUsername(username)
}

// ValidateAddress validates a peer network address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	if net.ParseIP(address) == nil {
		return fmt.Errorf("invalid IP address %q", address)
	}
	return nil
}

// ValidateMessageContent validates the text of an outgoing chat message.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message is empty")
	}
	if len(content) > MaxMessageLength {
		return fmt.Errorf("message is too long (max %d bytes)", MaxMessageLength)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid characters")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

package checkin

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"postpart-sync/internal/models"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{1,63}$`)

// ParseCode normalises a scanned QR payload into a registry code. It accepts
// bare codes and deep links such as postpart://checkin?code=XYZ,
// postpart://checkin/XYZ or https://host/checkin?code=XYZ.
func ParseCode(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: unreadable link", models.ErrInvalidCode)
		}
		switch strings.ToLower(u.Scheme) {
		case "postpart", "http", "https":
		default:
			return "", fmt.Errorf("%w: unsupported link scheme %q", models.ErrInvalidCode, u.Scheme)
		}
		if c := u.Query().Get("code"); c != "" {
			s = c
		} else {
			// postpart://checkin/XYZ puts "checkin" in the host
			path := strings.Trim(u.Host+u.Path, "/")
			parts := strings.Split(path, "/")
			if len(parts) < 2 || parts[len(parts)-2] != "checkin" {
				return "", fmt.Errorf("%w: link carries no code", models.ErrInvalidCode)
			}
			s = parts[len(parts)-1]
		}
	}

	code := strings.ToUpper(strings.TrimSpace(s))
	if !codePattern.MatchString(code) {
		return "", fmt.Errorf("%w: malformed code", models.ErrInvalidCode)
	}
	return code, nil
}

package token

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvKey is the default env var holding the bearer token.
	// #nosec G101 -- not a credential; it's an environment variable name.
	EnvKey = "EDUCHAT_TOKEN"

	// CookieName is the cookie the portal login stores the bearer token under.
	CookieName = "token"
)

// Source yields the current bearer credential.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

// Token implements Source.
func (s Static) Token(context.Context) (string, error) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return "", ErrNoToken
	}
	return v, nil
}

// Env reads the named environment variable on every call.
type Env string

// Token implements Source.
func (e Env) Token(context.Context) (string, error) {
	key := string(e)
	if key == "" {
		key = EnvKey
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, key)
	}
	return v, nil
}

// CookieFile reads the token cookie from a cookie store file on every call.
type CookieFile struct {
	Path string
	Name string // defaults to CookieName

	now func() time.Time
}

// NewCookieFile constructs a CookieFile source for path.
func NewCookieFile(path string) *CookieFile {
	return &CookieFile{Path: path, Name: CookieName}
}

// Token implements Source.
func (c *CookieFile) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}

	name := c.Name
	if name == "" {
		name = CookieName
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return parseCookies(raw, name, now())
}

// parseCookies accepts three layouts, line by line:
//   - Netscape cookies.txt: domain, flag, path, secure, expiry, name, value (tab-separated)
//   - a Cookie header: "Cookie: a=1; token=xyz"
//   - plain "name=value" pairs separated by ';' or newlines
func parseCookies(raw []byte, name string, now time.Time) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	expired := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if fields := strings.Split(line, "\t"); len(fields) == 7 {
			if fields[5] != name {
				continue
			}
			exp, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64)
			if err == nil && exp > 0 && time.Unix(exp, 0).Before(now) {
				expired = true
				continue
			}
			if v := strings.TrimSpace(fields[6]); v != "" {
				return v, nil
			}
			continue
		}

		if i := strings.Index(line, ":"); i >= 0 && strings.EqualFold(strings.TrimSpace(line[:i]), "cookie") {
			line = line[i+1:]
		}
		for _, pair := range strings.Split(line, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || strings.TrimSpace(k) != name {
				continue
			}
			if v = strings.Trim(strings.TrimSpace(v), `"`); v != "" {
				return v, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if expired {
		return "", ErrTokenExpired
	}
	return "", ErrNoToken
}

// Fingerprint returns the first 12 hex chars of SHA-256(token).
// Safe to log; it identifies a credential without revealing it.
func Fingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

package token

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestCookieFile_Layouts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()

	cases := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{name: "pairs", content: "theme=dark; token=abc123\n", want: "abc123"},
		{name: "header", content: "Cookie: a=1; token=\"q.w.e\"", want: "q.w.e"},
		{
			name:    "netscape",
			content: "# Netscape HTTP Cookie File\n#HttpOnly_.eduai.tech\tTRUE\t/\tTRUE\t" + itoa(future) + "\ttoken\tjwt-value\n",
			want:    "jwt-value",
		},
		{
			name:    "netscape session cookie",
			content: ".eduai.tech\tTRUE\t/\tTRUE\t0\ttoken\tsess\n",
			want:    "sess",
		},
		{
			name:    "expired",
			content: ".eduai.tech\tTRUE\t/\tTRUE\t" + itoa(past) + "\ttoken\told\n",
			wantErr: ErrTokenExpired,
		},
		{name: "absent", content: "other=1\n", wantErr: ErrNoToken},
		{name: "empty value", content: "token=\n", wantErr: ErrNoToken},
	}

	for _, tc := range cases {
		src := NewCookieFile(writeFile(t, tc.content))
		src.now = func() time.Time { return now }

		got, err := src.Token(context.Background())
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: err=%v want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: token=%q want %q", tc.name, got, tc.want)
		}
	}
}

func TestCookieFile_ReadsFreshEveryCall(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "token=one")
	src := NewCookieFile(p)

	if got, _ := src.Token(context.Background()); got != "one" {
		t.Fatalf("first=%q", got)
	}
	if err := os.WriteFile(p, []byte("token=two"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got, _ := src.Token(context.Background()); got != "two" {
		t.Fatalf("after rotation=%q want two", got)
	}
}

func TestCookieFile_MissingFile(t *testing.T) {
	t.Parallel()

	src := NewCookieFile(filepath.Join(t.TempDir(), "nope"))
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvAndStatic(t *testing.T) {
	t.Setenv("EDUCHAT_TEST_TOKEN", "  from-env ")

	got, err := Env("EDUCHAT_TEST_TOKEN").Token(context.Background())
	if err != nil || got != "from-env" {
		t.Fatalf("Env: %q %v", got, err)
	}

	t.Setenv("EDUCHAT_TEST_TOKEN", "")
	if _, err := Env("EDUCHAT_TEST_TOKEN").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Env empty: err=%v", err)
	}

	if _, err := Static(" ").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Static blank: err=%v", err)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint("secret")
	if len(a) != 12 {
		t.Fatalf("len=%d want 12", len(a))
	}
	if a != Fingerprint(" secret ") {
		t.Fatalf("fingerprint should ignore surrounding space")
	}
	if a == Fingerprint("other") {
		t.Fatalf("different tokens share a fingerprint")
	}
	if Fingerprint("") != "" {
		t.Fatalf("empty token should have empty fingerprint")
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// Package token provides the bearer credential sources for educhat.
//
// A Source is read on every connection attempt and every REST call, never
// cached by callers, so a credential rotated by the portal login is picked up
// without restarting the client.
//
// Sources:
//   - Static: a fixed value (tests, one-shot CLI use).
//   - Env: an environment variable (EDUCHAT_TOKEN by default).
//   - CookieFile: the "token" cookie from a cookie store file written by the
//     portal login (Netscape cookies.txt, "name=value" lines, or a Cookie header).
//
// Fingerprint gives a stable, non-reversible tag for logging which
// credential was used.
package token

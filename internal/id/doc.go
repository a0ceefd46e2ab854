// Package id mints the identifiers used across the duel service.
//
// An identifier is 16 UUIDv4 random bytes encoded as unpadded base32
// (RFC 4648), lowercased. The result is 26 characters and safe in URLs,
// cookies, and file paths.
package id

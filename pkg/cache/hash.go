package cache

import (
	"crypto/sha1"
	"crypto/sha256"
)

// SHA1Hasher is the v1 torrent-protocol piece digest.
type SHA1Hasher struct{}

func (SHA1Hasher) Name() string { return "sha1" }
func (SHA1Hasher) State() HashState {
	return &sha1State{h: sha1.New()}
}

type sha1State struct{ h interface {
	Write(p []byte) (int, error)
	Sum([]byte) []byte
} }

func (s *sha1State) Write(p []byte) { s.h.Write(p) }
func (s *sha1State) Sum() []byte    { return s.h.Sum(nil) }

// SHA256TruncHasher is the v2 torrent-protocol piece digest: SHA-256
// truncated to the first 20 bytes so it interchanges with v1 digest
// slots (spec §9 "hash pluggability").
type SHA256TruncHasher struct{}

func (SHA256TruncHasher) Name() string { return "sha256-trunc20" }
func (SHA256TruncHasher) State() HashState {
	return &sha256State{h: sha256.New()}
}

type sha256State struct{ h interface {
	Write(p []byte) (int, error)
	Sum([]byte) []byte
} }

func (s *sha256State) Write(p []byte) { s.h.Write(p) }
func (s *sha256State) Sum() []byte {
	full := s.h.Sum(nil)
	return full[:20]
}

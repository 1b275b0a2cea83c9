package domain

// Hasher is the core port for any hashing strategy.
// It is used to fingerprint API tokens before they reach the logs.
type Hasher interface {
	Hash(data []byte) string
}

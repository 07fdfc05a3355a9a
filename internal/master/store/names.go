package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// Friendly node names are <adjective>-<noun>, suffixed -N on collision.
var (
	nameAdjectives = []string{
		"friendly", "resourceful", "steady", "bright", "nimble",
		"curious", "solid", "brisk", "keen", "calm",
	}
	nameNouns = []string{
		"badger", "otter", "falcon", "lynx", "beacon",
		"compass", "harbor", "keyboard", "lantern", "quartz",
	}
)

const (
	pairCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pairCodeLength   = 6

	// generateAttempts bounds collision retries for pair codes and tokens.
	// The spaces are large enough that exhausting this means something is
	// badly wrong with the random source or the table.
	generateAttempts = 64
)

// randomFriendlyName returns a random <adjective>-<noun> base name.
func randomFriendlyName() (string, error) {
	adj, err := randomChoice(nameAdjectives)
	if err != nil {
		return "", err
	}
	noun, err := randomChoice(nameNouns)
	if err != nil {
		return "", err
	}
	return adj + "-" + noun, nil
}

// randomPairCode returns 6 random characters from [A-Z0-9].
func randomPairCode() (string, error) {
	code := make([]byte, pairCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pairCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("store: failed to generate pair code: %w", err)
		}
		code[i] = pairCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// randomPairToken returns a URL-safe token with 256 bits of entropy.
func randomPairToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: failed to generate pair token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func randomChoice(items []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(items))))
	if err != nil {
		return "", fmt.Errorf("store: failed to pick random name: %w", err)
	}
	return items[n.Int64()], nil
}

package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// Admin and agent tokens must score at least this on the zxcvbn 0-4 scale.
const weakTokenScoreThreshold = 3

// IsWeakToken reports whether a token is too guessable to protect the admin
// API or an agent endpoint. An empty token means the surface runs
// unauthenticated, which callers warn about separately, so it is not scored
// here.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < weakTokenScoreThreshold
}

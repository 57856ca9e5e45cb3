package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrUnknown            = errors.New("an unexpected error occurred, please contact your server administrator")
	ErrInvalidCredentials = errors.New("username/password combination not found")
	ErrAccountBanned      = errors.New("this account has been suspended")
	ErrUsernameTaken      = errors.New("that username is already registered")
	ErrReservedUsername   = errors.New("that username is reserved")
)

// reservedUsernames can never be registered or targeted by party operations.
var reservedUsernames = map[string]bool{
	"server": true,
	"admin":  true,
	"system": true,
}

// Reserved reports whether username is withheld from registration and
// cross-user operations.
func Reserved(username string) bool {
	return reservedUsernames[username]
}

// HashPassword returns a version of password with raidgate's chosen hashing strategy.
func HashPassword(password string) string {
	hash := sha256.New()
	hash.Write([]byte(password))
	return hex.EncodeToString(hash.Sum(nil))
}

// VerifyPassword checks a plaintext password against a stored hash.
func VerifyPassword(password, storedHash string) bool {
	return HashPassword(password) == storedHash
}

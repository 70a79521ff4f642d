package emby

import (
	"crypto/rand"
	"math/big"
)

const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"
)

func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken,
		// at which point generated credentials are the least concern.
		panic(err)
	}
	return int(n.Int64())
}

func randomChar(set string) byte {
	return set[randomInt(len(set))]
}

// GenerateUsername returns a 5-8 character lowercase username starting
// with a letter.
func GenerateUsername() string {
	length := 5 + randomInt(4)
	name := make([]byte, length)
	name[0] = randomChar(lowerChars)
	for i := 1; i < length; i++ {
		name[i] = randomChar(lowerChars + digitChars)
	}
	return string(name)
}

// GeneratePassword returns an 8-10 character password containing at
// least one upper-case letter, one lower-case letter, one digit and
// one special character.
func GeneratePassword() string {
	length := 8 + randomInt(3)
	password := make([]byte, 0, length)
	password = append(password,
		randomChar(upperChars),
		randomChar(lowerChars),
		randomChar(digitChars),
		randomChar(specialChars),
	)
	all := lowerChars + upperChars + digitChars + specialChars
	for len(password) < length {
		password = append(password, randomChar(all))
	}
	for i := len(password) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		password[i], password[j] = password[j], password[i]
	}
	return string(password)
}

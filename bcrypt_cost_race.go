//go:build race

package authstate

import "golang.org/x/crypto/bcrypt"

func init() {
	// race builds are slow enough already
	CredentialCost = bcrypt.MinCost
}

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// adminKeyBytes is 256 bits of entropy, hex-encoded to 64 characters.
const adminKeyBytes = 32

// generateAdminKey returns a random admin key and the bcrypt hash the API
// expects in ADMIN_KEY_HASH.
func generateAdminKey() (key, hash string, err error) {
	buf := make([]byte, adminKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate admin key: %w", err)
	}
	key = hex.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash admin key: %w", err)
	}
	return key, string(hashed), nil
}

func (c *cli) adminKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin-key",
		Short: "Generate an admin API key and its ADMIN_KEY_HASH value",
		Long: `Admin-key prints a new random key for the X-Admin-Key header and the
bcrypt hash to deploy as ADMIN_KEY_HASH. Only the hash belongs in the
service environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, hash, err := generateAdminKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "ADMIN_KEY=%s\nADMIN_KEY_HASH=%s\n", key, hash)
			return nil
		},
	}
}

package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"shutterline/internal/auth"
	"shutterline/internal/config"
)

// IssueToken prints a relay token for userID signed with the relay secret.
func IssueToken(w io.Writer, userID string, cfg *config.Config) error {
	if cfg.RelaySecret == "" {
		return errors.New("RELAY_SECRET is required to issue tokens")
	}
	if strings.Contains(userID, "_") {
		return fmt.Errorf("user id %q must not contain '_'", userID)
	}

	tokens, err := auth.NewTokenService(auth.Config{Secret: cfg.RelaySecret, TokenExpiry: cfg.TokenExpiry})
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}
	token, expiry, err := tokens.Issue(userID)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "\nToken Issued Successfully!\n")
	_, _ = fmt.Fprintf(w, "User ID:  %s\n", userID)
	_, _ = fmt.Fprintf(w, "Expires:  %s\n", expiry.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Token:    %s\n\n", token)
	_, _ = fmt.Fprintln(w, "Set it as AUTH_TOKEN on the client of this user.")
	return nil
}

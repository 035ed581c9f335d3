// token mints instructor bearer tokens for the session management routes.
// The signing key and issuer come from the same environment as the API
// server unless overridden by flags.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg := config.Load()

	var (
		instructor string
		key        string
		issuer     string
		ttl        time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVarP(&instructor, "instructor", "i", "", "instructor id to put in the token subject (required)")
	flagSet.StringVar(&key, "key", cfg.JWTSigningKey, "HS256 signing key (default from JWT_SIGNING_KEY)")
	flagSet.StringVar(&issuer, "issuer", cfg.JWTIssuer, "token issuer (default from JWT_ISSUER)")
	flagSet.DurationVar(&ttl, "ttl", cfg.AccessTTL, "token lifetime")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if instructor == "" {
		return errors.New("--instructor is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive, got %s", ttl)
	}

	tok, err := auth.Issue(instructor, auth.RoleInstructor, issuer, key, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, tok.Value)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

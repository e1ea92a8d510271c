// Command gen-token prints HS256 session tokens for LOCAL_AUTH_MODE=hs256
// or AUTH0_TEST_MODE=1 deployments.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"oikion-live/api"
)

func secret() (string, error) {
	if s := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); s != "" {
		return s, nil
	}
	if s := os.Getenv("TEST_JWT_SECRET"); s != "" {
		return s, nil
	}
	return "", errors.New("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set")
}

func sessionToken(key []byte, userID, org string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":                 userID,
		api.OrganizationClaim: org,
		"exp":                 time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(key)
}

func main() {
	var (
		org    = flag.String("org", "", "organization the tokens are scoped to")
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "agent", "prefix for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *org == "" {
		log.Fatal("-org is required")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}
	key, err := secret()
	if err != nil {
		log.Fatal(err)
	}

	tokens := make([]string, *count)
	for i := range tokens {
		userID := *prefix
		switch {
		case len(args) > 0:
			userID = args[0]
		case *count > 1:
			userID = fmt.Sprintf("%s-%d", *prefix, i+1)
		}
		if tokens[i], err = sessionToken([]byte(key), userID, *org, *ttl); err != nil {
			log.Fatalf("generate token: %v", err)
		}
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

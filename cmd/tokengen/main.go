// Command tokengen issues a signed JWT for local testing, standing in
// for the external identity collaborator.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"chathub/auth"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... tokengen -user <id> [-ttl 24h]")
		os.Exit(1)
	}

	token, err := auth.GenerateToken([]byte(secret), *user, []string{"member"}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token generation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

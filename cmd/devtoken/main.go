// Command devtoken mints identity tokens for local testing against the gateway.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/moy-bank/support-gateway/internal/auth"
	"github.com/moy-bank/support-gateway/internal/config"
	"github.com/moy-bank/support-gateway/internal/model"
)

func main() {
	cfg := config.Load()

	subject := flag.String("sub", "", "subject id (the customer's conversation id)")
	role := flag.String("role", "customer", "customer or agent")
	kid := flag.String("kid", "", "key id from JWT_KEYS; empty signs with JWT_SECRET")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	r, ok := auth.ParseRole(*role)
	if !ok || !model.ValidID(*subject) {
		flag.Usage()
		os.Exit(2)
	}

	secret := cfg.JWTSecret
	if *kid != "" {
		if secret, ok = cfg.JWTKeys[*kid]; !ok {
			fmt.Fprintf(os.Stderr, "unknown key id %q\n", *kid)
			os.Exit(1)
		}
	}

	token, err := auth.Sign(secret, *kid, cfg.JWTIssuer, model.Identity{SubjectID: *subject, Role: r}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/homedeck/homedeck/internal/auth"
	"github.com/homedeck/homedeck/internal/config"
)

// tokenCommand issues an operator token signed with http.operator_key.
func tokenCommand(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to the configuration file")
	operator := fs.String("operator", "", "Operator name recorded in the token subject")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "Token validity")
	scopes := fs.String("scopes", auth.ScopeRead+","+auth.ScopeControl, "Comma separated scopes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *operator == "" {
		return errors.New("-operator is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{SigningKey: cfg.HTTP.OperatorKey})
	if err != nil {
		return fmt.Errorf("http.operator_key: %w", err)
	}

	var granted []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			granted = append(granted, scope)
		}
	}

	token, expiresAt, err := tokens.Issue(*operator, *ttl, granted...)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", *operator, expiresAt.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

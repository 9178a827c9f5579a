// Command mkaccounts provisions the load-test account pool: it generates an
// accounts file from the vocabulary and optionally registers every account
// against a running server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/suspiciousleaf/chat-app/internal/loadgen"
	"github.com/suspiciousleaf/chat-app/internal/monitoring"
)

func main() {
	var (
		out      = flag.String("out", "accounts.json", "accounts file to write")
		perWord  = flag.Int("per-word", 3, "accounts generated per vocabulary word")
		register = flag.String("register", "", "server base URL; when set, create every account on the server")
	)
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level: "info", Format: "pretty", Service: "mkaccounts",
	})

	n, err := loadgen.WriteAccounts(*out, *perWord)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to write accounts file")
	}
	logger.Info().Int("accounts", n).Str("file", *out).Msg("Accounts file written")

	if *register == "" {
		return
	}

	accounts, err := loadgen.LoadAccounts(*out)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to re-read accounts file")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	created, skipped := 0, 0
	for i, account := range accounts {
		status, err := createAccount(client, *register, account)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("username", account.Username).Msg("Account creation failed")
		case status == http.StatusConflict:
			skipped++
		case status == http.StatusCreated:
			created++
		default:
			logger.Warn().Int("status", status).Str("username", account.Username).Msg("Unexpected response")
		}
		if (i+1)%50 == 0 {
			logger.Info().Int("processed", i+1).Msg("Progress")
		}
	}
	logger.Info().Int("created", created).Int("already_existed", skipped).Msg("Registration complete")
}

func createAccount(client *http.Client, baseURL string, account loadgen.Account) (int, error) {
	body, err := json.Marshal(map[string]string{
		"username": account.Username,
		"password": account.Password,
	})
	if err != nil {
		return 0, err
	}
	resp, err := client.Post(baseURL+"/create_account", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create_account request: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

package loadgen

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Account is one pre-provisioned login from the accounts file.
type Account struct {
	Username string
	Password string
}

// accountsFile is the on-disk format: username mapped to its details.
type accountsFile map[string]struct {
	Password string `json:"password"`
}

// LoadAccounts reads the provisioned account pool. Accounts come back sorted
// by username so runs are reproducible for a fixed seed.
func LoadAccounts(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file accountsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(file) == 0 {
		return nil, fmt.Errorf("accounts file %s holds no accounts", path)
	}

	accounts := make([]Account, 0, len(file))
	for username, details := range file {
		accounts = append(accounts, Account{Username: username, Password: details.Password})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	return accounts, nil
}

// WriteAccounts generates perUser accounts per vocabulary word and saves them
// in the accounts file format. Passwords mirror usernames, matching how the
// pool is provisioned for load runs.
func WriteAccounts(path string, perWord int) (int, error) {
	file := accountsFile{}
	for _, word := range sampleWords {
		for i := 0; i < perWord; i++ {
			username := fmt.Sprintf("%s%d", word, i)
			file[username] = struct {
				Password string `json:"password"`
			}{Password: username}
		}
	}

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode accounts file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return 0, fmt.Errorf("write accounts file: %w", err)
	}
	return len(file), nil
}

package actions

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvCredentials resolves platform credentials from the environment:
// BOTFLOW_USERNAME_<ACCOUNT> / BOTFLOW_PASSWORD_<ACCOUNT>. Keeps secrets
// out of both config files and the task table.
type EnvCredentials struct{}

func (EnvCredentials) Lookup(_ context.Context, accountID string) (string, string, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(accountID))
	username := os.Getenv("BOTFLOW_USERNAME_" + key)
	password := os.Getenv("BOTFLOW_PASSWORD_" + key)
	if username == "" || password == "" {
		return "", "", fmt.Errorf("no credentials in environment for account %s", accountID)
	}
	return username, password, nil
}

package relay

import (
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/chatrelay/internal/models"
)

// Credentials resolves the Dify API key for an app.
type Credentials interface {
	APIKey(app *models.App) (string, error)
}

// EnvCredentials reads API keys from the environment variable named by
// App.APIKeyEnv.
type EnvCredentials struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// APIKey returns the app's key, or an error when the variable is unset or
// blank.
func (c EnvCredentials) APIKey(app *models.App) (string, error) {
	if app.APIKeyEnv == "" {
		return "", fmt.Errorf("app %q has no api key variable configured", app.Name)
	}
	lookup := c.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key, ok := lookup(app.APIKeyEnv)
	if !ok || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("environment variable %s for app %q is not set", app.APIKeyEnv, app.Name)
	}
	return strings.TrimSpace(key), nil
}

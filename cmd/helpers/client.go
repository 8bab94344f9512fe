package helpers

import (
	"fmt"

	"github.com/stephnangue/latch/api"
)

var (
	c *api.Client
)

// Client builds the API client from the environment, once per process.
func Client() (*api.Client, error) {
	if c != nil {
		return c, nil
	}

	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read environment: %w", config.Error)
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// Turn off retries on the CLI
	if api.ReadLatchVariable(api.EnvLatchMaxRetries) == "" {
		client.SetMaxRetries(0)
	}

	c = client

	return client, nil
}

// SetClient replaces the process client; tests point it at a test server.
func SetClient(client *api.Client) {
	c = client
}

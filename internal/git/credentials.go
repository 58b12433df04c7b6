package git

import (
	"context"
	"fmt"
	"net/url"
)

// Identity is the author recorded on commits made by prpflow.
type Identity struct {
	Name  string
	Email string
}

// ConfigureIdentity writes user.name and user.email into the repository
// config. Empty fields are left untouched.
func (c *Client) ConfigureIdentity(ctx context.Context, id Identity) error {
	if id.Name != "" {
		if _, err := c.run(ctx, "config", "user.name", id.Name); err != nil {
			return fmt.Errorf("config user.name: %w", err)
		}
	}
	if id.Email != "" {
		if _, err := c.run(ctx, "config", "user.email", id.Email); err != nil {
			return fmt.Errorf("config user.email: %w", err)
		}
	}
	return nil
}

// RemoteURL returns the fetch URL of the remote.
func (c *Client) RemoteURL(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "remote", "get-url", c.remote())
	if err != nil {
		return "", fmt.Errorf("remote get-url %s: %w", c.remote(), err)
	}
	return out, nil
}

// EmbedCredentials rewrites an https remote URL so pushes authenticate with
// token. SSH and other non-https remotes are left unchanged.
func (c *Client) EmbedCredentials(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	current, err := c.RemoteURL(ctx)
	if err != nil {
		return err
	}
	next, ok := AuthenticatedURL(current, token)
	if !ok || next == current {
		return nil
	}
	if _, err := c.run(ctx, "remote", "set-url", c.remote(), next); err != nil {
		return fmt.Errorf("remote set-url %s: %w", c.remote(), err)
	}
	return nil
}

// AuthenticatedURL returns raw with token embedded as basic-auth userinfo.
// It reports false for URLs that are not https.
func AuthenticatedURL(raw, token string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return raw, false
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), true
}

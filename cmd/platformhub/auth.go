package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/olajaido/platform-hub/pkg/config"
	"github.com/olajaido/platform-hub/pkg/credentials"
	"github.com/olajaido/platform-hub/pkg/jwt"
)

const requestTimeout = 15 * time.Second

func newLoginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username = strings.TrimSpace(username)
			if username == "" {
				return errors.New("--username is required")
			}
			secret := password
			if secret == "" {
				var err error
				if secret, err = readPassword(a); err != nil {
					return err
				}
			}

			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			token, err := api.Login(ctx, username, secret)
			if err != nil {
				return err
			}
			if err := a.store.Save(token.AccessToken); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			if cmd.Flags().Changed("api") {
				if err := config.SaveAPIBaseURL(a.v, a.cfg.APIBaseURL); err != nil {
					a.log.Warn("persist api url", "error", err)
				}
			}
			fmt.Fprintln(a.out, successMsg("logged in as %s", username))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")
	return cmd
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func readPassword(a *app) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.err, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprint(a.err, "\n")
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("password required: use --password or a terminal")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, successMsg("logged out"))
			return nil
		},
	}
}

type whoami struct {
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	Email     string     `json:"email,omitempty"`
	API       string     `json:"api"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.store.Token(cmd.Context())
			if err != nil {
				if errors.Is(err, credentials.ErrNoToken) {
					return errors.New("please login first using 'platformhub login'")
				}
				return err
			}
			info := whoami{API: a.cfg.APIBaseURL}
			if claims, err := jwt.Peek(token); err == nil {
				if claims.Expired(time.Now()) {
					return errors.New("stored token expired; run 'platformhub login'")
				}
				if claims.ExpiresAt != nil {
					exp := claims.ExpiresAt.Time
					info.ExpiresAt = &exp
				}
			} else {
				a.log.Debug("token is not a readable jwt", "error", err)
			}

			api, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			user, err := api.Me(ctx)
			if err != nil {
				return err
			}
			info.Username, info.Role, info.Email = user.Username, user.Role, user.Email

			if done, err := encode(a.out, a.cfg.Output, info); done {
				return err
			}
			pairs := []pair{kv("user", info.Username), kv("role", info.Role)}
			if info.Email != "" {
				pairs = append(pairs, kv("email", info.Email))
			}
			pairs = append(pairs, kv("api", info.API))
			if info.ExpiresAt != nil {
				pairs = append(pairs, kv("expires", info.ExpiresAt.Local().Format(time.RFC1123)))
			}
			fmt.Fprint(a.out, keyValues("", pairs...))
			return nil
		},
	}
}

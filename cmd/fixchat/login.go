package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fixmate/chat-client/internal/config"
)

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		role       string
		apiBase    string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token for the customer or repairer role",
		Long:  "Prompts for an identity ID and API token and stores them in the client config. Both roles can be logged in at once; the chat command picks whichever the server accepts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath, role, apiBase)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: user config dir)")
	cmd.Flags().StringVar(&role, "role", "customer", "role to log in as: customer or repairer")
	cmd.Flags().StringVar(&apiBase, "api", "", "API base URL, e.g. https://api.fixmate.example")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath, role, apiBase string) error {
	if role != "customer" && role != "repairer" {
		return fmt.Errorf("unknown role %q (want customer or repairer)", role)
	}

	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}

	// Start from the existing config so logging in one role keeps the other.
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = &config.Config{}
	}
	if apiBase != "" {
		cfg.APIBaseURL = apiBase
	}
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("no API base URL stored; pass --api on first login")
	}

	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprintf(out, "%s identity ID: ", role)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read identity id: %w", err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("identity ID must be a positive integer")
	}

	token, err := readToken(out, reader)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}

	cred := config.CredentialConfig{Token: token, ID: id}
	switch role {
	case "customer":
		cfg.Customer = cred
	case "repairer":
		cfg.Repairer = cred
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored %s login in %s\n", role, path)
	return nil
}

// readToken takes the token without echoing when stdin is a terminal, and
// falls back to a plain line read when it is piped.
func readToken(out io.Writer, reader *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(out, "API token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

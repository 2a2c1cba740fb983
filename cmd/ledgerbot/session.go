package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ledgerbot/internal/config"
)

// The session commands drive a running gateway through its admin API, so
// they work the same for the memory and sqlite backends.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "List, set or revoke sessions on a running gateway",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live sessions (tokens masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Sessions []struct {
					Address   string `json:"address"`
					Token     string `json:"token"`
					Source    string `json:"source"`
					CreatedAt string `json:"created_at"`
					ExpiresAt string `json:"expires_at"`
				} `json:"sessions"`
			}
			if err := adminCall(cmd.Context(), http.MethodGet, "/admin/sessions", nil, &out); err != nil {
				return err
			}
			if len(out.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range out.Sessions {
				expires := s.ExpiresAt
				if expires == "" {
					expires = "never"
				}
				fmt.Printf("%-16s %-7s %-14s created %s expires %s\n", s.Address, s.Source, s.Token, s.CreatedAt, expires)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [address] [token]",
		Short: "Bind a backend token to a WhatsApp address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"token": args[1]}
			if err := adminCall(cmd.Context(), http.MethodPost, "/admin/sessions/"+url.PathEscape(args[0]), body, nil); err != nil {
				return err
			}
			fmt.Printf("session set for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [address]",
		Short: "Drop the session of a WhatsApp address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminCall(cmd.Context(), http.MethodDelete, "/admin/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("session revoked for %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func adminCall(ctx context.Context, method, path string, in, out any) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Token == "" {
		return fmt.Errorf("admin API is disabled; set admin.enabled and admin.token")
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Admin.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("admin API %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

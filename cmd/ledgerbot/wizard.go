package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ledgerbot/internal/config"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: WhatsApp → ledger → model → sessions → save",
		Long:  "Asks for the WhatsApp Cloud API credentials, the ledger backend URL, the Gemini key and the session backend, then writes the config. Secrets may be given as ${ENV_VAR} references.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(resolveConfigPath(), os.Stdin, os.Stdout)
		},
	}
}

// prompter reads answers line by line, keeping the default on empty input.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return def, nil
}

func (p prompter) section(title string) {
	fmt.Fprintf(p.out, "\n--- %s ---\n", title)
}

func runWizard(cfgPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Template()
	}
	p := prompter{in: bufio.NewReader(in), out: out}

	steps := []struct {
		title  string
		fields []wizardField
	}{
		{"Step 1: WhatsApp Cloud API", []wizardField{
			{"Phone number ID", &cfg.WhatsApp.PhoneNumberID},
			{"Access token", &cfg.WhatsApp.AccessToken},
			{"Webhook verify token", &cfg.WhatsApp.VerifyToken},
			{"App secret (signature check, blank to skip)", &cfg.WhatsApp.AppSecret},
			{"Webhook path", &cfg.WhatsApp.WebhookPath},
		}},
		{"Step 2: Ledger backend", []wizardField{
			{"API base URL", &cfg.Ledger.APIBase},
		}},
		{"Step 3: Gemini", []wizardField{
			{"API key", &cfg.LLM.APIKey},
			{"Model", &cfg.LLM.Model},
		}},
		{"Step 4: Sessions", []wizardField{
			{"Backend (memory|sqlite)", &cfg.Sessions.Backend},
		}},
	}
	for _, step := range steps {
		p.section(step.title)
		for _, f := range step.fields {
			v, err := p.ask(f.label, *f.target)
			if err != nil {
				return err
			}
			*f.target = v
		}
	}
	if cfg.Sessions.Backend == "sqlite" {
		v, err := p.ask("Database path", cfg.Sessions.DBPath)
		if err != nil {
			return err
		}
		cfg.Sessions.DBPath = config.ExpandPath(v)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(out, "Note: the config does not validate yet:\n%v\n", err)
		return nil
	}
	fmt.Fprintln(out, "Run 'ledgerbot doctor' to check the setup, then 'ledgerbot gateway'.")
	return nil
}

type wizardField struct {
	label  string
	target *string
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/pith-agent/pith/internal/config"
)

type SecretCmd struct {
	Set  SecretSetCmd  `cmd:"" help:"Store a secret in the .env file."`
	List SecretListCmd `cmd:"" help:"List secret names from the .env file."`
}

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SecretSetCmd struct {
	Name string `arg:"" help:"Environment variable name, e.g. OPENWEATHER_API_KEY."`
}

func (c *SecretSetCmd) Run(g *Globals) error {
	if !envNameRe.MatchString(c.Name) {
		return fmt.Errorf("invalid variable name %q", c.Name)
	}

	paths, err := config.DerivePaths(g.Base)
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	value, err := readSecretValue(c.Name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value, nothing stored")
	}

	if err := config.WriteEnvValue(paths.EnvFile, c.Name, value); err != nil {
		return err
	}
	fmt.Printf("stored %s in %s\n", c.Name, paths.EnvFile)
	return nil
}

// readSecretValue takes the value from a masked prompt on a terminal, or a
// single line on piped stdin so scripts can feed secrets in.
func readSecretValue(name string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return promptSecret(name)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptSecret asks for a secret value without echoing it.
func promptSecret(name string) (string, error) {
	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(name).
				Description("value is hidden while you type").
				EchoMode(huh.EchoModePassword).
				Value(&value),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

type SecretListCmd struct{}

func (c *SecretListCmd) Run(g *Globals) error {
	paths, err := config.DerivePaths(g.Base)
	if err != nil {
		return err
	}
	names, err := config.EnvFileKeys(paths.EnvFile)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

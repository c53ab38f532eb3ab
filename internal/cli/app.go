package cli

import (
	"fmt"
	"os"
	"strings"

	"aaronromeo.com/mailwatch/internal/config"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const defaultEnvFile = ".env"

// NewApp builds the mailwatch command line.
func NewApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "Path to YAML config file (or set " + config.EnvConfigPath + ")",
	}
	envFileFlag := &cli.StringFlag{
		Name:  "env-file",
		Value: defaultEnvFile,
		Usage: "dotenv file loaded before the config, skipped when missing",
	}

	return &cli.App{
		Name:  "mailwatch",
		Usage: "watch IMAP mailboxes and deliver new mail",
		Flags: []cli.Flag{configFlag, envFileFlag},
		Before: func(c *cli.Context) error {
			return loadEnvFile(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Watch every configured mailbox until interrupted",
				Action: start,
			},
			{
				Name:   "validate",
				Usage:  "Load and validate the config, then print a summary",
				Action: validate,
			},
		},
	}
}

// Execute runs the app against os.Args.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath(c *cli.Context) (string, error) {
	cfgPath := c.String("config")
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = os.Getenv(config.EnvConfigPath)
	}
	if strings.TrimSpace(cfgPath) == "" {
		return "", errors.Errorf("config path is required via --config or %s", config.EnvConfigPath)
	}
	return cfgPath, nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfgPath, err := resolveConfigPath(c)
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "loading %s", cfgPath)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/asaskevich/govalidator"
	"github.com/spf13/cobra"

	"github.com/opentuwa/mediagate/config"
)

var configureArgs struct {
	PublicDirectory string
	AudioOrigin     string
	ImageOrigin     string
	DataOrigin      string
	LedgerDriver    string
	Override        bool
}

func newConfigureCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "configure",
		Short: "Interactively generate a configuration file with fresh secrets",
		RunE:  configureCmdRun,
	}
	command.Flags().BoolVar(&configureArgs.Override, "override", false, "override an existing configuration")
	return command
}

func configureCmdRun(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(configPath); err == nil && !configureArgs.Override {
		if err := survey.AskOne(&survey.Confirm{Message: "Override existing configuration file"}, &configureArgs.Override); err != nil {
			return interrupted(err)
		}
		if !configureArgs.Override {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
	}

	optionalURL := func(ans interface{}) error {
		if str, ok := ans.(string); ok && str != "" && !govalidator.IsURL(str) {
			return errors.New("the origin must be an absolute URL")
		}
		return nil
	}
	questions := []*survey.Question{
		{
			Name:     "PublicDirectory",
			Prompt:   &survey.Input{Message: "Directory holding app.html, landing.html and the static assets:", Default: "/var/www/mediagate"},
			Validate: survey.Required,
		},
		{
			Name:     "AudioOrigin",
			Prompt:   &survey.Input{Message: "Audio origin base URL (blank to disable):"},
			Validate: optionalURL,
		},
		{
			Name:     "ImageOrigin",
			Prompt:   &survey.Input{Message: "Image origin base URL (blank to disable):"},
			Validate: optionalURL,
		},
		{
			Name:     "DataOrigin",
			Prompt:   &survey.Input{Message: "Data origin base URL (blank to disable):"},
			Validate: optionalURL,
		},
		{
			Name: "LedgerDriver",
			Prompt: &survey.Select{
				Message: "Where should consumed tokens be recorded?",
				Options: []string{"memory", "sqlite"},
				Default: "sqlite",
				Help:    "The memory ledger forgets consumed tokens on restart. Use sqlite for anything but local testing.",
			},
		},
	}
	if err := survey.Ask(questions, &configureArgs); err != nil {
		return interrupted(err)
	}

	c, err := config.NewAtPath(configPath)
	if err != nil {
		return err
	}
	c.System.PublicDirectory = configureArgs.PublicDirectory
	c.Ledger.Driver = configureArgs.LedgerDriver
	for name, u := range map[string]string{"audio": configureArgs.AudioOrigin, "image": configureArgs.ImageOrigin, "data": configureArgs.DataOrigin} {
		if u != "" {
			c.Remote.Origins[name] = config.OriginConfiguration{BaseURL: u}
		}
	}
	if o, ok := c.Remote.Origins["data"]; ok {
		o.AllowedSuffixes = []string{".json", ".xml"}
		c.Remote.Origins["data"] = o
	}
	if c.Tokens.Secret, err = randomSecret(); err != nil {
		return err
	}
	if c.Session.Secret, err = randomSecret(); err != nil {
		return err
	}
	if c.Session.IssuerToken, err = randomSecret(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.WriteToDisk(); err != nil {
		return err
	}

	fmt.Printf("Successfully wrote %s.\n\nThe identity service must call /login with:\n\n    Authorization: Bearer %s\n\n", configPath, c.Session.IssuerToken)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.WithStack(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func interrupted(err error) error {
	if err == terminal.InterruptErr {
		os.Exit(1)
	}
	return err
}

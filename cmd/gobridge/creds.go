package main

import (
	"fmt"
	"os"

	"github.com/RoanBrand/gobridge"
	"github.com/RoanBrand/gobridge/auth"
	"github.com/RoanBrand/gobridge/internal/connmgr"
	"github.com/RoanBrand/gobridge/internal/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage the stored upstream credentials",
	Long: `Manage the upstream credentials kept in the configured store.

Stored credentials take precedence over those in the config file. The
store is locked while the bridge runs, so stop the service first.`,
}

var credsFlags struct {
	username, password string
	ca, cert, key      string
	insecureSkipVerify bool
}

var credsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store upstream credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := connmgr.Credentials{
			Username:           credsFlags.username,
			Password:           credsFlags.password,
			InsecureSkipVerify: credsFlags.insecureSkipVerify,
		}
		var err error
		if c.CA, err = readOptional(credsFlags.ca); err != nil {
			return err
		}
		if c.Cert, err = readOptional(credsFlags.cert); err != nil {
			return err
		}
		if c.Key, err = readOptional(credsFlags.key); err != nil {
			return err
		}
		if c.Empty() {
			return errors.New("no credentials given")
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if _, err := c.TLSConfig(); err != nil {
			return err
		}

		return withStore(func(s *store.Store) error {
			return s.SaveCredentials(gobridge.CredentialsName, &c)
		})
	},
}

var credsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored upstream credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.Store) error {
			return s.DeleteCredentials(gobridge.CredentialsName)
		})
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <password>",
	Short: "Print the password hash for a bridge user entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := auth.HashPassword(args[0], auth.DefaultParams)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}

func init() {
	f := credsSetCmd.Flags()
	f.StringVar(&credsFlags.username, "username", "", "MQTT username")
	f.StringVar(&credsFlags.password, "password", "", "MQTT password")
	f.StringVar(&credsFlags.ca, "ca", "", "broker CA certificate, PEM file")
	f.StringVar(&credsFlags.cert, "cert", "", "client certificate, PEM file")
	f.StringVar(&credsFlags.key, "key", "", "client private key, PEM file")
	f.BoolVar(&credsFlags.insecureSkipVerify, "insecure-skip-verify", false, "do not verify the broker certificate")

	credsCmd.AddCommand(credsSetCmd, credsClearCmd)
}

func withStore(fn func(s *store.Store) error) error {
	dir, err := execDir()
	if err != nil {
		return err
	}
	conf, err := loadConfig(dir)
	if err != nil {
		return err
	}
	if conf.Store.Path == "" {
		return errors.New("no store path configured")
	}

	s, err := store.Open(conf.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	return b, errors.Wrap(err, path)
}

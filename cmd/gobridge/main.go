// Command gobridge runs the device bridge, interactively or as a system
// service.
//
// Usage:
//
//	gobridge run [-c config.yaml]
//	gobridge service <start|stop|restart|install|uninstall>
//	gobridge creds set --username dev --password secret [--ca ca.pem]
//	gobridge creds clear
//	gobridge hash <password>
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:           "gobridge",
	Short:         "MQTT device bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path of config file (default config.json or config.yaml next to the executable)")
	rootCmd.AddCommand(runCmd, serviceCmd, credsCmd, hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// configPath resolves the config file: the flag, else the first default
// found next to the executable. Empty means defaults.
func configPath(execDir string) string {
	if configFlag != "" {
		return configFlag
	}
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		if p := filepath.Join(execDir, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func execDir() (string, error) {
	ePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	dir, _ := filepath.Split(ePath)
	return dir, nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

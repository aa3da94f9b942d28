package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/RoanBrand/gobridge"
	"github.com/RoanBrand/gobridge/internal/config"
	"github.com/kardianos/service"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var svcConfig = service.Config{
	Name:        "gobridge",
	DisplayName: "gobridge MQTT device bridge",
	Description: "gobridge MQTT device bridge. See https://github.com/RoanBrand/gobridge",
	Arguments:   []string{"run"},
}

type program struct {
	execDir string
	device  *gobridge.Device
	done    chan struct{}
}

func (p *program) Start(s service.Service) error {
	conf, err := loadConfig(p.execDir)
	if err != nil {
		return err
	}

	p.device, err = gobridge.New(conf)
	if err != nil {
		return err
	}
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := p.device.Run(context.Background()); err != nil {
			log.Fatal(err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.device.Stop()
	<-p.done
	return nil
}

func loadConfig(execDir string) (*config.Config, error) {
	path := configPath(execDir)
	conf, err := config.New(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Infoln("Using config file:", path)
	} else {
		log.Infoln("No config file specified or found. Using defaults.")
	}
	return conf, conf.ConfigureLogging()
}

func newService() (service.Service, *program, error) {
	dir, err := execDir()
	if err != nil {
		return nil, nil, err
	}
	prg := &program{execDir: dir}
	if configFlag != "" {
		svcConfig.Arguments = append(svcConfig.Arguments, "-c", configFlag)
	}
	s, err := service.New(prg, &svcConfig)
	return s, prg, err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge in the foreground or under the service manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, prg, err := newService()
		if err != nil {
			return err
		}

		// Set defaults before config override.
		if service.Interactive() {
			log.SetLevel(log.DebugLevel)
		} else {
			f, err := os.OpenFile(filepath.Join(prg.execDir, "gobridge.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			log.SetOutput(f)
		}

		return s.Run()
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service <action>",
	Short: "Control the system service",
	Long:  "Control the system service. Actions: start, stop, restart, install, uninstall.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := newService()
		if err != nil {
			return err
		}
		if err := service.Control(s, args[0]); err != nil {
			return errors.Wrapf(err, "valid actions: %q", service.ControlAction)
		}
		return nil
	},
}

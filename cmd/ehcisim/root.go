package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softehci/internal/config"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/usbid"
)

// rootFlags are shared by every command.
type rootFlags struct {
	scenario  string
	envFile   string
	logLevel  string
	logFormat string
	usbIDs    string
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "ehcisim",
		Short:         "Drive the EHCI queue engine against a simulated controller",
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			var paths []string
			if f.envFile != "" {
				paths = append(paths, f.envFile)
			}
			_, err := config.LoadEnv(paths...)
			return err
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.scenario, "config", "c", "", "scenario file (built-in scenario when empty)")
	pf.StringVar(&f.envFile, "env", "", "environment file (default .env when present)")
	pf.StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", "", "override log format (text, json)")
	pf.StringVar(&f.usbIDs, "usb-ids", "", "usb.ids database for naming devices (system copy when empty)")

	root.AddCommand(newRunCommand(f), newLayoutCommand(f), newValidateCommand(f))
	return root
}

// load returns the selected scenario with command-line overrides applied
// and configures logging from it.
func (f *rootFlags) load() (config.Scenario, error) {
	s := config.Default()
	if f.scenario != "" {
		var err error
		if s, err = config.Load(f.scenario); err != nil {
			return s, err
		}
	}
	if f.logLevel != "" {
		s.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		s.Log.Format = f.logFormat
	}
	if err := s.Validate(); err != nil {
		return s, err
	}

	level, _ := pkg.ParseLogLevel(s.Log.Level)
	format, _ := s.Log.LogFormat()
	pkg.SetLogLevel(level)
	pkg.SetLogFormat(format, nil)
	return s, nil
}

// database loads the usb.ids database. A missing database leaves devices
// named by their IDs.
func (f *rootFlags) database() *usbid.Database {
	var paths []string
	if f.usbIDs != "" {
		paths = append(paths, f.usbIDs)
	}
	db, err := usbid.Open(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentCLI, "no usb.ids database", "error", err)
	}
	return db
}

func newValidateCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := f.load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d port(s), %d device(s), %v\n",
				s.Sim.Ports, len(s.Devices), s.Duration)
			return nil
		},
	}
}

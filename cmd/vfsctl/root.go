package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/driver/metered"
	"github.com/spf13/cobra"
)

// app carries the state shared by one invocation's commands.
type app struct {
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger

	driverName string
	metrics    bool
	envFiles   []string
	verbose    bool

	driver     *vfskit.Driver
	found      *vfskit.Driver
	meter      *metered.Meter
	registered []*vfskit.Driver
	closers    []func() error
}

// run executes one vfsctl invocation and releases every driver it touched.
func run(args []string, in io.Reader, out, errOut io.Writer) error {
	a := &app{out: out, errOut: errOut}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vfsctl",
		Short: "Inspect files through vfskit drivers",
		Long: `vfsctl opens files through a vfskit driver, the same way a database
engine would, and prints or edits them.

Drivers besides "os" and "memory" are registered from BEAVER_VFSKIT_* and
BEAVER_VFSCTL_* environment variables, which may also come from .env files.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.driverName, "driver", "d", "", "driver to use (default: the registry default)")
	flags.BoolVar(&a.metrics, "metrics", false, "print driver metrics in Prometheus format when done")
	flags.StringSliceVar(&a.envFiles, "env-file", []string{".env", ".env.local"}, "env files to load before reading the environment")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		a.driversCmd(),
		a.catCmd(),
		a.writeCmd(),
		a.statCmd(),
		a.checksumCmd(),
		a.rmCmd(),
		a.tempnameCmd(),
	)
	return root
}

// setup loads configuration, registers drivers and resolves --driver.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))

	if err := loadEnv(a.envFiles); err != nil {
		return err
	}
	cfg, err := loadCLIConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	drivers, closers, err := registerDrivers(cfg, a.logger)
	a.registered, a.closers = drivers, closers
	if err != nil {
		return err
	}

	// Init runs after registration so BEAVER_VFSKIT_DEFAULT_DRIVER may name
	// one of the drivers above.
	if err := vfskit.Init(); err != nil {
		return err
	}

	if cmd.Name() == "drivers" {
		return nil
	}

	d, err := vfskit.Find(a.driverName)
	if err != nil {
		return fmt.Errorf("driver %q: %w", a.driverName, err)
	}
	a.found, a.driver = d, d
	if a.metrics {
		a.meter = metered.New(d)
		a.driver = a.meter.Driver()
	}
	a.logger.Debug("using driver", "name", d.Name, "refs", d.RefCount())
	return nil
}

// close prints metrics and undoes setup.
func (a *app) close() error {
	var errs []error
	if a.meter != nil {
		a.meter.WritePrometheus(a.errOut)
	}
	if a.found != nil {
		errs = append(errs, vfskit.Release(a.found))
	}
	for _, d := range a.registered {
		errs = append(errs, vfskit.Unregister(d))
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

/*
Package testserver is the command line server the harness is exercised against.

It mimics the parts of a Keycloak distribution the harness cares about: a launcher passing
-D system properties, a show-config command that prints its layered configuration with
credentials masked, and start commands that either exit straight away in the test launch
mode or run until they are signalled.
*/
package testserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/circleci/disttest/termination"
)

// Version is set at build time.
var Version = "999.0.0-SNAPSHOT"

const (
	launchModeProperty = "kc.launch.mode"
	homeDirProperty    = "kc.home.dir"
	profileProperty    = "kc.profile"
	defaultProfile     = "prod"
)

type cli struct {
	ConfigFile string `name:"config-file" help:"Set the path to a configuration file." type:"path"`
	Profile    string `help:"Set the profile. Use 'dev' to run the server in development mode."`

	ShowConfig showConfigCmd `cmd:"" name:"show-config" help:"Print out the current configuration."`
	Start      startCmd      `cmd:"" help:"Start the server."`
	StartDev   startDevCmd   `cmd:"" name:"start-dev" help:"Start the server in development mode."`
}

// env is what every command runs with.
type env struct {
	ctx    context.Context
	cli    *cli
	props  map[string]string
	stdout io.Writer
	stderr io.Writer
}

type exit int

// Main runs the server with args, which may include -Dkey=value system properties
// anywhere, and returns the process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	props, args := splitSystemProperties(args)
	if len(args) == 0 {
		args = []string{"--help"}
	}

	c := &cli{}
	parser, err := kong.New(c,
		kong.Name("kc.sh"),
		kong.Description("Keycloak - Open Source Identity and Access Management"),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) {
			panic(exit(code))
		}),
	)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(exit)
			if !ok {
				panic(r)
			}
			code = int(e)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "kc.sh: error: %v\n", err)
		return 2
	}

	err = kctx.Run(&env{
		ctx:    ctx,
		cli:    c,
		props:  props,
		stdout: stdout,
		stderr: stderr,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

func splitSystemProperties(args []string) (map[string]string, []string) {
	props := map[string]string{}
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if key, value, ok := strings.Cut(strings.TrimPrefix(a, "-D"), "="); ok && strings.HasPrefix(a, "-D") {
			props[key] = value
			continue
		}
		rest = append(rest, a)
	}
	return props, rest
}

func (e *env) testLaunchMode() bool {
	return e.props[launchModeProperty] == "test"
}

func (e *env) configuration() (*configuration, error) {
	home := e.props[homeDirProperty]
	if home == "" {
		home = os.Getenv("KC_HOME_DIR")
	}
	return loadConfiguration(home, e.cli.ConfigFile, os.Environ())
}

// profile picks the active profile: the flag, then the system property, then the
// configuration, then the default.
func (e *env) profile(cfg *configuration) string {
	if e.cli.Profile != "" {
		return e.cli.Profile
	}
	if p := e.props[profileProperty]; p != "" {
		return p
	}
	if p, ok := cfg.get(profileProperty); ok && p != "" {
		return p
	}
	return defaultProfile
}

type showConfigCmd struct {
	Filter string `arg:"" optional:"" help:"Show 'all' configuration, or only that of the named profile."`
}

func (s *showConfigCmd) Run(e *env) error {
	cfg, err := e.configuration()
	if err != nil {
		return err
	}
	profile := e.profile(cfg)

	w := e.stdout
	_, _ = fmt.Fprintf(w, "Current Profile: %s\n", profile)
	_, _ = fmt.Fprintln(w, "Runtime Configuration:")
	printProperties(w, cfg.resolved("kc.", profile))

	switch s.Filter {
	case "":
	case "all":
		_, _ = fmt.Fprintln(w, "Quarkus Configuration:")
		printProperties(w, cfg.resolved("quarkus.", profile))
		for _, name := range cfg.profiles() {
			printProfile(w, name, cfg.profile(name))
		}
	default:
		props := cfg.profile(s.Filter)
		if len(props) == 0 {
			return fmt.Errorf("no configuration for profile %q", s.Filter)
		}
		printProfile(w, s.Filter, props)
	}
	return nil
}

func printProfile(w io.Writer, name string, props []property) {
	_, _ = fmt.Fprintf(w, "Profile %q Configuration:\n", name)
	printProperties(w, props)
}

func printProperties(w io.Writer, props []property) {
	for _, p := range props {
		_, _ = fmt.Fprintf(w, "\t%s =  %s (%s)\n", p.key, p.display(), p.source)
	}
}

type startCmd struct{}

func (s *startCmd) Run(e *env) error {
	return e.start("")
}

type startDevCmd struct{}

func (s *startDevCmd) Run(e *env) error {
	return e.start("dev")
}

func (e *env) start(profile string) error {
	began := time.Now()
	cfg, err := e.configuration()
	if err != nil {
		return err
	}
	if profile == "" {
		profile = e.profile(cfg)
	}

	if profile == "dev" {
		_, _ = fmt.Fprintln(e.stdout, "WARN  Running the server in dev mode. DO NOT use this configuration in production.")
	}
	_, _ = fmt.Fprintf(e.stdout, "Keycloak %s started in %s. Profile %s activated.\n",
		Version, time.Since(began).Round(time.Millisecond), profile)

	if e.testLaunchMode() {
		// nothing to serve in the test launch mode
		return nil
	}

	// a signal is the normal way to stop, and the only error Wait returns
	if err := termination.Wait(e.ctx); err != nil {
		_, _ = fmt.Fprintf(e.stdout, "Keycloak %s stopped (%v)\n", Version, err)
		return nil
	}
	_, _ = fmt.Fprintf(e.stdout, "Keycloak %s stopped\n", Version)
	return nil
}

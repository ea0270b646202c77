// Command amlboot flashes an Amlogic SoC board over USB recovery mode
// from a composite "aml_upgrade_package.img", selecting the ADNL or
// Optimus protocol engine automatically based on the image contents.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/jethome-iot/amlboot/internal/deviceprofile"
	"github.com/jethome-iot/amlboot/internal/dispatch"
	"github.com/jethome-iot/amlboot/internal/optimus"
	"github.com/jethome-iot/amlboot/internal/progress"
	"github.com/jethome-iot/amlboot/internal/transport"
)

const version = "0.1.0"

type wipeValue string

func (w *wipeValue) UnmarshalFlag(value string) error {
	switch value {
	case "no", "normal", "all":
		*w = wipeValue(value)
		return nil
	default:
		return fmt.Errorf("--wipe must be one of no, normal, all, got %q", value)
	}
}

func (w wipeValue) mode() optimus.WipeMode {
	switch w {
	case "normal":
		return optimus.WipeData
	case "all":
		return optimus.WipeAll
	default:
		return optimus.WipeNone
	}
}

type cliOptions struct {
	Image             string    `long:"img" description:"composite image (aml_upgrade_package.img)"`
	Reset             bool      `long:"reset" description:"reboot the device after a successful flash"`
	NoEraseBootloader bool      `long:"no-erase-bootloader" description:"skip the Optimus erase-bootloader step"`
	Wipe              wipeValue `long:"wipe" description:"disk wipe mode" choice:"no" choice:"normal" choice:"all" default:"no"`
	Password          string    `long:"password" description:"file holding a 64-byte unlock password"`
	PasswordPrompt    bool      `long:"password-prompt" description:"prompt for the unlock password on stderr instead of reading a file"`
	Profile           string    `long:"profile" description:"YAML board-profile override file"`
	Verbose           bool      `short:"v" long:"verbose" description:"enable debug logging"`
	LogFormat         string    `long:"log-format" description:"log format: text or json" default:"text"`
	Version           bool      `long:"version" description:"print the version and exit"`
}

func main() {
	var opts cliOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println("amlboot " + version)
		return
	}
	if opts.Image == "" {
		fmt.Fprintln(os.Stderr, "the required flag `--img' was not specified")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	if err := run(opts, log); err != nil {
		log.Error("flash failed", "err", err)
		os.Exit(1)
	}
}

func run(opts cliOptions, log *slog.Logger) error {
	passwordPath := opts.Password
	if opts.PasswordPrompt {
		tmpPath, err := promptPasswordFile()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		passwordPath = tmpPath
		defer os.Remove(tmpPath)
	}

	var profile *deviceprofile.Profile
	if opts.Profile != "" {
		p, err := deviceprofile.Load(opts.Profile)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		profile = p
	}

	finder := transport.NewGousbFinder()

	return dispatch.Run(dispatch.Options{
		ImagePath:         opts.Image,
		Reset:             opts.Reset,
		NoEraseBootloader: opts.NoEraseBootloader,
		Wipe:              opts.Wipe.mode(),
		PasswordPath:      passwordPath,
		Finder:            finder,
		Profile:           profile,
		Log:               log,
		Progress:          progress.NewSlogReporter(log),
	})
}

// promptPasswordFile reads the unlock password from the terminal with
// echo disabled and stashes it in a private temp file, since every
// downstream consumer expects a password *path*.
func promptPasswordFile() (string, error) {
	fmt.Fprint(os.Stderr, "Unlock password: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "amlboot-password-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

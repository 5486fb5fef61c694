package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/palera1n/palera1n/pkg/app"
	"github.com/palera1n/palera1n/pkg/boot"
	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/config"
	"github.com/palera1n/palera1n/pkg/jailbreak"
	"github.com/palera1n/palera1n/pkg/lockdown"
	"github.com/palera1n/palera1n/pkg/tools"
)

var rootCmd = &cobra.Command{
	Use:   "palera1n [version]",
	Short: "palera1n is a jailbreak for checkm8 devices on iOS 15 and 16",
	Long: `Walks a checkm8 vulnerable device into DFU mode and boots it jailbroken,
either through checkra1n and PongoOS or through a patched SSH ramdisk.

The version argument is the iOS version the device runs, eg. 15.7.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var version string
		if len(args) > 0 {
			version = args[0]
		}
		cfg, err := buildConfig(version)
		if err != nil {
			return err
		}
		return withJailbreak(cmd.Context(), cfg, func(ctx context.Context, j *jailbreak.Jailbreak) error {
			return j.Run(ctx)
		})
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the data directory with all downloaded tools, boot images and blobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig("")
		if err != nil {
			return err
		}
		if err := cfg.Dirs.Clean(); err != nil {
			return fmt.Errorf("cleaning %s: %w", cfg.Dirs.Root, err)
		}
		slog.Info("Removed data directory", "dir", cfg.Dirs.Root)
		return nil
	},
}

var dfuhelperCmd = &cobra.Command{
	Use:   "dfuhelper",
	Short: "Only put the device into DFU mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig("")
		if err != nil {
			return err
		}
		return withJailbreak(cmd.Context(), cfg, func(ctx context.Context, j *jailbreak.Jailbreak) error {
			return j.DFUHelper(ctx)
		})
	},
}

var flags struct {
	ipsw             string
	rootless         bool
	semiTethered     bool
	restoreRootfs    bool
	serial           bool
	safeMode         bool
	debug            bool
	verbose          bool
	disableAnalytics bool
	nativeUSB        bool
	ramdisk          bool
}

func buildConfig(version string) (*config.Config, error) {
	dirs, err := config.DefaultDirs()
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{
		IPSW:             flags.ipsw,
		Rootless:         flags.rootless,
		SemiTethered:     flags.semiTethered,
		RestoreRootfs:    flags.restoreRootfs,
		Serial:           flags.serial,
		SafeMode:         flags.safeMode,
		Debug:            flags.debug,
		Verbose:          flags.verbose,
		DisableAnalytics: flags.disableAnalytics,
		NativeUSB:        flags.nativeUSB,
		Ramdisk:          flags.ramdisk,
		Dirs:             dirs,
	}
	if version != "" {
		v, err := config.ParseVersion(version)
		if err != nil {
			return nil, err
		}
		cfg.Version = v
	}
	return cfg, nil
}

// withJailbreak wires a Jailbreak to the host's USB stack and runs f on it.
func withJailbreak(ctx context.Context, cfg *config.Config, f func(context.Context, *jailbreak.Jailbreak) error) error {
	if err := cfg.Dirs.Ensure(); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Dirs.Root, err)
	}
	usbctx, err := newContext()
	if err != nil {
		return fmt.Errorf("failed to initialize USB: %w", err)
	}
	enum := &desktopEnum{ctx: usbctx}
	defer enum.Close()

	fetcher := &tools.Fetcher{
		Client:   http.DefaultClient,
		Platform: tools.Platform{OS: runtime.GOOS, Arch: runtime.GOARCH},
	}
	j := &jailbreak.Jailbreak{
		Config:   cfg,
		Devices:  app.New(enum),
		Lockdown: lockdown.Usbmux{},
		Tools: func(ctx context.Context) (*tools.Set, error) {
			return fetcher.EnsureAll(ctx, cfg.Dirs.Binaries(), tools.Exec{})
		},
		DFUTools: func(ctx context.Context) (*tools.Set, error) {
			return fetcher.EnsureDFU(ctx, cfg.Dirs.Binaries(), tools.Exec{})
		},
		Catalog:      &cache.Catalog{Client: http.DefaultClient, API: cache.DefaultAPI},
		Client:       http.DefaultClient,
		Out:          os.Stdout,
		Sleep:        boot.Sleep,
		AnalyticsURL: jailbreak.DefaultAnalyticsURL,
	}

	return ctrlc.Default.Run(ctx, func() error {
		return f(ctx, j)
	})
}

func banner() {
	title := color.New(color.FgHiMagenta, color.Bold)
	title.Println("palera1n")
	fmt.Println("palera1n comes with ABSOLUTELY NO WARRANTY. Use at your own risk.")
	fmt.Println()
}

// setupLogging routes glog to stderr and raises verbosity for -v and -d.
func setupLogging() {
	flag.Set("logtostderr", "true")
	switch {
	case flags.debug:
		flag.Set("v", "2")
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case flags.verbose:
		flag.Set("v", "1")
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			slog.Error("Interrupted")
		} else {
			slog.Error("palera1n failed", "err", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.PersistentFlags()
	f.StringVar(&flags.ipsw, "ipsw", "", "IPSW URL or local path to use instead of looking it up on ipsw.me")
	f.BoolVar(&flags.rootless, "rootless", false, "Boot rootless (not supported yet)")
	f.BoolVar(&flags.semiTethered, "semi-tethered", false, "Create a fakefs and boot semi-tethered")
	f.BoolVar(&flags.restoreRootfs, "restore-rootfs", false, "Remove the jailbreak and restore the root filesystem")
	f.BoolVar(&flags.serial, "serial", false, "Add serial=3 to the boot arguments for serial output")
	f.BoolVar(&flags.safeMode, "safe-mode", false, "Boot without tweaks enabled")
	f.BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	f.BoolVar(&flags.disableAnalytics, "disable-analytics", false, "Do not report a successful run")
	f.BoolVar(&flags.nativeUSB, "native-usb", false, "Talk to iBoot directly instead of through irecovery")
	f.BoolVar(&flags.ramdisk, "ramdisk", false, "Boot through a patched ramdisk instead of checkra1n and PongoOS")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogging()
		banner()
	}
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(dfuhelperCmd)

	// glog's -v would become the -v shorthand and clash with --verbose; its
	// level is driven from --verbose and --debug instead.
	flag.CommandLine.VisitAll(func(gf *flag.Flag) {
		if gf.Name == "v" {
			return
		}
		pflag.CommandLine.AddGoFlag(gf)
	})
}

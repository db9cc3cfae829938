package main

import (
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/exthost/internal/config"
	"github.com/ehrlich-b/exthost/internal/guestproc"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "check guest runtime availability and host configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			userConfigDir, err := config.GetUserConfigDir()
			if err != nil {
				return err
			}
			rtCfg, err := config.LoadRuntimeConfig(userConfigDir)
			if err != nil {
				return err
			}

			fmt.Println("exthost doctor")
			fmt.Println()

			fmt.Println("guest runtime:")
			executable, err := guestproc.Discover(guestproc.DiscoverOpts{
				BundledPath:   rtCfg.GuestBundledPath,
				FallbackPaths: rtCfg.GuestFallbackPaths,
			})
			if err != nil {
				fmt.Printf("  %-12s not found\n", "node")
			} else {
				fmt.Printf("  %-12s %s\n", "node", executable)
				if out, err := exec.Command(executable, "--version").Output(); err == nil {
					reported := trimVersionOutput(out)
					if verr := guestproc.CheckVersion(reported); verr != nil {
						fmt.Printf("  %-12s %s (unsupported: %v)\n", "version", reported, verr)
					} else {
						fmt.Printf("  %-12s %s (ok, minimum %s)\n", "version", reported, guestproc.MinVersion)
					}
				}
			}
			fmt.Println()

			fmt.Println("transport:")
			kind := rtCfg.Transport.Kind
			if kind == "" {
				kind = "uds (default)"
			}
			fmt.Printf("  %-12s %s\n", "kind", kind)
			if rtCfg.Transport.Kind == "uds" && rtCfg.Transport.Path != "" {
				fmt.Printf("  %-12s %s\n", "path", rtCfg.Transport.Path)
				fmt.Printf("  %-12s %s\n", "writable", writableDesc(rtCfg.Transport.Path))
			}
			fmt.Println()

			fmt.Println("config:")
			fmt.Printf("  %-12s %s\n", "user dir", userConfigDir)
			fmt.Printf("  %-12s %s\n", "host id", rtCfg.HostID)
			fmt.Printf("  %-12s %s\n", "log level", orDefault(rtCfg.LogLevel, "info"))

			return nil
		},
	}
}

func trimVersionOutput(out []byte) string {
	s := string(out)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// writableDesc dials the UDS path to see whether something is
// already listening there; a dangling stale socket file is the
// common failure mode this check exists for.
func writableDesc(path string) string {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return "no listener at path (will be created fresh)"
	}
	conn.Close()
	return "a listener is already active at this path"
}

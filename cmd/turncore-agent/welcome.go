package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset     = "\033[0m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version    string
	UIPort     int
	NumEngines int
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	useANSI := isTerminalWriter(w)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "turncore-agent")
	if v := strings.TrimSpace(opts.Version); v != "" {
		fmt.Fprintf(w, "  version: %s\n", v)
	}
	fmt.Fprintf(w, "  engines registered: %d\n", opts.NumEngines)
	if opts.UIPort > 0 {
		url := fmt.Sprintf("ws://127.0.0.1:%d/ws", opts.UIPort)
		fmt.Fprintf(w, "  ui bridge: %s\n", styleURL(url, useANSI))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return fmt.Sprintf("%s%s%s%s", ansiCyan, ansiUnderline, url, ansiReset)
}

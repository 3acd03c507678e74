// Package startup renders the daemon's terminal banner: listen address,
// pairing QR code, and shutdown hint.
package startup

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

const (
	// ANSI color codes
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	cyan  = "\033[36m"
	green = "\033[32m"
	white = "\033[37m"

	indent = "    "
)

// BannerOptions configures the startup banner display.
type BannerOptions struct {
	Version  string
	LocalURL string
	// ConnectURL is the address clients pair against, rendered as a QR
	// code. Empty when the daemon is local-only.
	ConnectURL string
}

// colorsEnabled returns true if ANSI colors should be used.
func colorsEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// color wraps text with ANSI color codes if colors are enabled.
func color(code, text string) string {
	if !colorsEnabled() {
		return text
	}
	return code + text + reset
}

// PrintBanner displays the startup banner with the given options.
func PrintBanner(opts BannerOptions) {
	fmt.Println()

	logo := color(cyan, "◆") + "  " + color(bold+white, "A G E N T D E C K")
	versionStr := color(dim, opts.Version)
	fmt.Printf("%s%s%s%s\n", indent, logo, strings.Repeat(" ", 26), versionStr)

	fmt.Println()

	fmt.Printf("%s%s  %s\n", indent, color(dim, "▸ Local"), color(green, opts.LocalURL))
	if opts.ConnectURL != "" && opts.ConnectURL != opts.LocalURL {
		fmt.Printf("%s%s %s\n", indent, color(dim, "▸ Client"), color(green, opts.ConnectURL))
	}

	fmt.Println()
}

// PrintQRCode prints an indented QR code with a label on the side.
func PrintQRCode(url string) {
	var buf bytes.Buffer
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         &buf,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}

	// Place label at vertical center of QR code
	midLine := len(lines) / 2
	for i, line := range lines {
		if i == midLine {
			fmt.Printf("%s%s  %s\n", indent, line, color(dim, "Scan to connect"))
		} else {
			fmt.Printf("%s%s\n", indent, line)
		}
	}
}

// PrintFooter prints the footer with shutdown instructions.
func PrintFooter() {
	fmt.Printf("%s%s\n", indent, color(dim, "Press Ctrl+C to stop"))
	fmt.Println()
}

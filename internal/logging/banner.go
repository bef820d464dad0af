package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`                         _       _     `,
	`   ___   _____      ____| |_ ___| |__  `,
	`  / _ \ / __\ \ /\ / / _` + "`" + ` | __/ __| '_ \ `,
	` | (_) | (__ \ V  V / (_| | || (__| | | |`,
	`  \___/ \___| \_/\_/ \__,_|\__\___|_| |_|`,
	`                                         `,
}

// PrintBanner prints the ocwatch ASCII art logo with version and the
// discovery port below it. Colors are used only when stderr is a TTY.
func PrintBanner(ver string, port int) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sdiscovery%s udp/%d\n\n",
			dim, reset, ver, dim, reset, port)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   discovery udp/%d\n\n", ver, port)
	}
}

// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==============================================================
           _ _ _          _     _
  ___ __ _| | | |__  _ __(_) __| | __ _  ___
 / __/ _` + "`" + ` | | | '_ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
| (_| (_| | | | |_) | |  | | (_| | (_| |  __/
 \___\__,_|_|_|_.__/|_|  |_|\__,_|\__, |\___|
                                  |___/
--------------------------------------------------------------`

const footer = `==============================================================`

// ConfigLine is one label/value pair shown under the logo
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the banner with the service name and its configuration to w
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	// Align values on the longest label
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}

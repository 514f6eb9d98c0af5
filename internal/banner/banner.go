package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
  ___      _ _    ___                  _
 / __|__ _| | |  / __|___ _ _  ___ ___| |___
| (__/ _` + "`" + ` | | | | (__/ _ \ ' \(_-</ _ \ / -_)
 \___\__,_|_|_|  \___\___/_||_/__/\___/_\___|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the service name and configuration
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	// Find max label length for alignment
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}

// Redact hides all but the last four characters of a secret.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

package main

import (
	"os"
	"strings"
	"text/tabwriter"
)

func newTabwriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
}

func makeExample(examples ...string) string {
	var buf strings.Builder
	for _, example := range examples {
		buf.WriteString("  " + example + "\n")
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

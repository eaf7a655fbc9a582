package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/alfredjeanlab/kloop/internal/ui"
	"github.com/spf13/cobra"
)

// envHelp is appended to the root help so the overrides are discoverable
// without opening the config docs.
var envHelp = []struct{ name, desc string }{
	{"KLOOP_MODEL", "worker model"},
	{"KLOOP_MAX_ITERATIONS", "iteration ceiling"},
	{"KLOOP_PAUSE", "pause between iterations"},
	{"KLOOP_BACKEND", "task tracker backend (cli or http)"},
	{"KLOOP_NATS_URL", "publish events to this NATS server"},
	{"KLOOP_DATABASE_URL", "record runs in this Postgres database"},
	{"KLOOP_AUTH_TOKEN", "bearer token for the event stream"},
	{"KLOOP_ARCHIVE_S3_BUCKET", "upload run transcripts to this bucket"},
}

// helpFunc renders cobra's usage text, styled when stdout is a terminal,
// and adds the environment section to the root command's help.
func helpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()

		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)

		if !cmd.HasParent() {
			writeEnvHelp(&buf)
		}

		text := buf.String()
		if ui.ShouldUseColorFor(out) {
			text = styleHelp(text)
		}
		fmt.Fprint(out, text)
	}
}

func writeEnvHelp(w io.Writer) {
	fmt.Fprintln(w, "\nEnvironment:")
	for _, e := range envHelp {
		fmt.Fprintf(w, "  %-24s %s\n", e.name, e.desc)
	}
}

// styleHelp colors usage text line by line. Section titles get the accent
// color. Entries under command sections have their name highlighted and
// entries under flag sections have type and default muted.
func styleHelp(s string) string {
	var b strings.Builder
	section := ""
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case isSectionTitle(line):
			section = strings.TrimSuffix(strings.TrimSpace(line), ":")
			if section != "Usage" {
				line = ui.RenderAccent(line)
			}
		case strings.HasPrefix(line, "  ") && strings.Contains(section, "Flags"):
			line = styleFlagLine(line)
		case strings.HasPrefix(line, "  ") && section != "Usage" && section != "Examples":
			line = styleEntryLine(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func isSectionTitle(line string) bool {
	if line == "" || line[0] == ' ' || !strings.HasSuffix(line, ":") {
		return false
	}
	return line[0] >= 'A' && line[0] <= 'Z'
}

// styleEntryLine highlights the first word of "  name    description".
func styleEntryLine(line string) string {
	rest := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(rest)]
	name, tail, ok := strings.Cut(rest, "  ")
	if !ok {
		return line
	}
	return indent + ui.RenderCommand(name) + "  " + tail
}

// styleFlagLine mutes the value type after the flag name and any trailing
// (default ...) annotation.
func styleFlagLine(line string) string {
	if i := strings.LastIndex(line, "(default "); i >= 0 && strings.HasSuffix(line, ")") {
		line = line[:i] + ui.RenderMuted(line[i:])
	}
	fields := strings.Fields(line)
	for i, f := range fields {
		if !strings.HasPrefix(f, "--") || i+1 >= len(fields) {
			continue
		}
		typ := fields[i+1]
		if !isFlagType(typ) {
			break
		}
		at := strings.Index(line, f+" "+typ)
		if at < 0 {
			break
		}
		at += len(f) + 1
		return line[:at] + ui.RenderMuted(typ) + line[at+len(typ):]
	}
	return line
}

func isFlagType(s string) bool {
	switch s {
	case "string", "int", "duration", "strings", "stringArray", "stringSlice":
		return true
	}
	return false
}

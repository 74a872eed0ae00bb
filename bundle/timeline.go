package bundle

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Timeline renders the bundle as a deterministic HTML document: a pure
// function of the bundle contents, byte-for-byte reproducible. Every
// event row carries its MAC in monospace so a reader can cross-check
// against the chain.
func Timeline(b *Bundle) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	sb.WriteString("<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>Incident %s</title>\n", html.EscapeString(b.ID))
	sb.WriteString("<style>body{font-family:sans-serif}table{border-collapse:collapse}" +
		"td,th{border:1px solid #999;padding:2px 6px}code{font-family:monospace}</style>\n")
	sb.WriteString("</head>\n<body>\n")

	fmt.Fprintf(&sb, "<h1>Incident %s</h1>\n", html.EscapeString(b.ID))
	fmt.Fprintf(&sb, "<p>Window %s &ndash; %s</p>\n",
		formatNS(b.Window.Start), formatNS(b.Window.End))

	sb.WriteString("<h2>Log events</h2>\n<table>\n")
	sb.WriteString("<tr><th>counter</th><th>time</th><th>level</th><th>message</th><th>mac</th></tr>\n")
	for i := range b.Logs {
		e := &b.Logs[i]
		fmt.Fprintf(&sb, "<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td><code>%x</code></td></tr>\n",
			e.Counter, formatNS(e.Timestamp), e.Level,
			html.EscapeString(string(e.Message)), e.MAC)
	}
	sb.WriteString("</table>\n")

	if len(b.Diffs) > 0 {
		sb.WriteString("<h2>State transitions</h2>\n<table>\n")
		sb.WriteString("<tr><th>version</th><th>parent</th><th>time</th><th>op</th><th>state hash</th></tr>\n")
		for i := range b.Diffs {
			v := &b.Diffs[i]
			fmt.Fprintf(&sb, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td><code>%x</code></td></tr>\n",
				html.EscapeString(v.ID), html.EscapeString(v.Parent),
				formatNS(v.CommitTS), v.Diff.Op(), v.StateHash)
		}
		sb.WriteString("</table>\n")
	}

	sb.WriteString("</body>\n</html>\n")
	return sb.String()
}

// formatNS renders unix nanoseconds as UTC RFC 3339 with nanosecond
// precision. UTC keeps the output independent of host timezone.
func formatNS(ns uint64) string {
	return time.Unix(0, int64(ns)).UTC().Format("2006-01-02T15:04:05.000000000Z")
}

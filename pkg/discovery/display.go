package discovery

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var tableColumns = []struct {
	header string
	width  int
}{
	{"ID", 16},
	{"PROVIDER", 18},
	{"LOCATION", 10},
	{"UPTIME", 8},
	{"CHEAPEST", 10},
	{"SUPPORTS", 14},
	{"ONLINE", 6},
}

// FormatTable renders providers as a fixed-width terminal table.
func FormatTable(providers []Provider) string {
	inner := 0
	for _, col := range tableColumns {
		inner += col.width + 2
	}
	inner += len(tableColumns) - 1

	var b strings.Builder
	b.WriteString("┌" + strings.Repeat("─", inner) + "┐\n")
	headers := make([]string, len(tableColumns))
	for i, col := range tableColumns {
		headers[i] = padRight(col.header, col.width)
	}
	b.WriteString("│ " + strings.Join(headers, " │ ") + " │\n")
	b.WriteString("├" + strings.Repeat("─", inner) + "┤\n")

	for _, p := range providers {
		location := "Unknown"
		if p.Location != nil {
			location = *p.Location
		}
		cheapest := "-"
		if len(p.Specs) > 0 {
			cheapest = fmt.Sprintf("%dm/s", p.MinRate())
		}
		online := "✗"
		if p.Online {
			online = "✓"
		}
		cells := []string{
			padRight(truncate(p.Npub, 16), 16),
			padRight(truncate(p.Hostname, 18), 18),
			padRight(truncate(location, 10), 10),
			padLeft(fmt.Sprintf("%.1f%%", p.UptimePercent), 8),
			padLeft(cheapest, 10),
			padRight(truncate(strings.Join(p.Capabilities, "/"), 14), 14),
			padRight(online, 6),
		}
		b.WriteString("│ " + strings.Join(cells, " │ ") + " │\n")
	}

	b.WriteString("└" + strings.Repeat("─", inner) + "┘\n")
	return b.String()
}

// FormatDetails renders one provider as a terminal card.
func FormatDetails(p Provider) string {
	const width = 60
	sep := "├" + strings.Repeat("─", width) + "┤\n"

	location := "Unknown"
	if p.Location != nil {
		location = *p.Location
	}
	status := "🔴 Offline"
	if p.Online {
		status = "🟢 Online"
	}

	var b strings.Builder
	b.WriteString("┌" + strings.Repeat("─", width) + "┐\n")
	fmt.Fprintf(&b, "│ Provider: %s\n", p.Hostname)
	b.WriteString(sep)
	fmt.Fprintf(&b, "│ NPUB:       %s\n", truncate(p.Npub, 45))
	fmt.Fprintf(&b, "│ Location:   %s\n", location)
	fmt.Fprintf(&b, "│ Uptime:     %.1f%%\n", p.UptimePercent)
	fmt.Fprintf(&b, "│ Jobs Done:  %d\n", p.TotalJobsCompleted)
	fmt.Fprintf(&b, "│ Status:     %s\n", status)
	if p.Online {
		fmt.Fprintf(&b, "│ Workloads:  %d active\n", p.ActiveWorkloads)
		fmt.Fprintf(&b, "│ Free:       %d%% CPU, %d MB RAM, %d GB disk\n",
			p.AvailableCapacity.CPUAvailable/1000,
			p.AvailableCapacity.MemoryMBAvailable,
			p.AvailableCapacity.StorageGBAvailable)
	}
	fmt.Fprintf(&b, "│ Supports:   %s\n", strings.Join(p.Capabilities, ", "))
	b.WriteString(sep)
	b.WriteString("│ Available Tiers:\n")
	for _, spec := range p.Specs {
		fmt.Fprintf(&b, "│   • %s (%s) - %d msat/sec\n", spec.Name, spec.ID, spec.RateMsatsPerSec)
		fmt.Fprintf(&b, "│     %d vCPU, %d MB RAM\n", spec.CPUMillicores/1000, spec.MemoryMB)
	}
	b.WriteString(sep)
	b.WriteString("│ Accepted Mints:\n")
	for _, mint := range p.WhitelistedMints {
		fmt.Fprintf(&b, "│   • %s\n", mint)
	}
	b.WriteString("└" + strings.Repeat("─", width) + "┘\n")
	return b.String()
}

// truncate cuts s to at most max display runes, marking the cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-2]) + ".."
}

// padRight and padLeft pad by rune count. fmt's %-Ns pads by bytes and
// skews columns holding multibyte runes.
func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func padLeft(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return strings.Repeat(" ", width-n) + s
	}
	return s
}

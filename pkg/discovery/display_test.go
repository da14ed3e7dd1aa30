package discovery

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestFormatTable(t *testing.T) {
	location := "us-east"
	providers := []Provider{
		{
			Npub:          "npub1qqqqzzaaaabbbbccccdddd",
			Hostname:      "a-very-long-hostname-that-overflows",
			Location:      &location,
			Capabilities:  []string{types.CapabilityContainer},
			Specs:         []types.PodSpec{spec("basic", 1000, 1024, 50)},
			UptimePercent: 99.5,
			Online:        true,
		},
		{
			Npub:          "npub1qqqqzzeeee",
			Hostname:      "bare",
			Capabilities:  []string{types.CapabilityVM},
			UptimePercent: 90.0,
		},
	}

	table := FormatTable(providers)
	assert.Contains(t, table, "99.5%")
	assert.Contains(t, table, "50m/s")
	assert.Contains(t, table, "✓")
	assert.Contains(t, table, "✗")
	assert.Contains(t, table, "us-east")
	assert.Contains(t, table, "Unknown", "missing location renders as Unknown")
	assert.Contains(t, table, strings.Repeat(" ", 9)+"-", "provider without tiers has no cheapest rate")
	assert.NotContains(t, table, "a-very-long-hostname-that-overflows")

	lines := strings.Split(strings.TrimRight(table, "\n"), "\n")
	require.Len(t, lines, 6)
	width := utf8.RuneCountInString(lines[0])
	for i, line := range lines {
		assert.Equal(t, width, utf8.RuneCountInString(line), "line %d width", i)
	}
}

func TestFormatDetails(t *testing.T) {
	p := Provider{
		Npub:               "npub1qqqqzzaaaabbbbccccddddeeeeffffgggghhhhiiiijjjj",
		Hostname:           "alpha-host",
		Capabilities:       []string{types.CapabilityContainer, types.CapabilityVM},
		Specs:              []types.PodSpec{spec("basic", 2000, 1024, 50)},
		WhitelistedMints:   []string{"https://mint.minibits.cash"},
		UptimePercent:      99.5,
		TotalJobsCompleted: 42,
		Online:             true,
		ActiveWorkloads:    3,
		AvailableCapacity:  types.Capacity{CPUAvailable: 75000, MemoryMBAvailable: 12288, StorageGBAvailable: 400},
	}

	card := FormatDetails(p)
	assert.Contains(t, card, "Provider: alpha-host")
	assert.Contains(t, card, "🟢 Online")
	assert.Contains(t, card, "Jobs Done:  42")
	assert.Contains(t, card, "container, vm")
	assert.Contains(t, card, "basic (basic) - 50 msat/sec")
	assert.Contains(t, card, "2 vCPU, 1024 MB RAM")
	assert.Contains(t, card, "https://mint.minibits.cash")
	assert.Contains(t, card, "3 active")
	assert.Contains(t, card, "75% CPU, 12288 MB RAM, 400 GB disk")
}

func TestFormatDetailsOffline(t *testing.T) {
	card := FormatDetails(Provider{Hostname: "ghost", Npub: "npub1qqqqzzeeee"})
	assert.Contains(t, card, "🔴 Offline")
	assert.Contains(t, card, "Location:   Unknown")
	assert.NotContains(t, card, "Workloads:", "capacity lines only render for online providers")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "overflow..", truncate("overflowing text", 10))
	assert.Len(t, []rune(truncate("ααααααααααααα", 10)), 10, "truncation counts runes, not bytes")
}

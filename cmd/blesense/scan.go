package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesense/internal/bledb"
	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for supported BLE sensors",
	Long: `Scan for Bluetooth Low Energy sensors that advertise one of the
supported profile services and list their name, address, signal
strength and profiles.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanProfiles  []string
	scanName      string
	scanAllowList []string
	scanBlockList []string
	scanAll       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 0 for indefinite with Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanProfiles, "profile", "p", nil, "Only show devices of these profiles")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only show devices whose name contains this text")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show every advertiser, not only supported sensors")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	opts := scanner.DefaultOptions()
	if !scanAll {
		filter, err := serviceFilter(scanProfiles)
		if err != nil {
			return err
		}
		opts.Profiles = filter
	}
	opts.NameMatch = scanName
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	opts.Duration = cfg.ScanTimeout
	if cmd.Flags().Changed("duration") {
		opts.Duration = scanDuration
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	source, err := stack.scanner()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var progress *ProgressPrinter
	if opts.Duration > 0 {
		progress = NewCountdownProgressPrinter("Scanning for sensors", "Scanning", opts.Duration, "Processing results")
	} else {
		progress = NewProgressPrinter("Scanning for sensors (Ctrl+C to stop)", "Scanning", "Processing results")
	}
	progress.Start()
	devices, err := scanner.New(source, logger).Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices, time.Now())
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func displayDevicesTable(devices []scanner.Device, now time.Time) error {
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tPROFILES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		profiles := strings.Join(d.Profiles, ",")
		if profiles == "" {
			profiles = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, d.Address, d.RSSI, profiles, now.Sub(d.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

type deviceJSON struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Profiles    []string `json:"profiles"`
	Services    []string `json:"services"`

	// ServiceNames holds the known names of Services, keyed by UUID.
	ServiceNames map[string]string `json:"service_names,omitempty"`
}

func displayDevicesJSON(devices []scanner.Device) error {
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		services := make([]string, 0, len(d.Services))
		var names map[string]string
		for _, s := range d.Services {
			id := gatt.NormalizeUUID(s)
			services = append(services, id)
			if name := bledb.LookupService(id); name != "" {
				if names == nil {
					names = make(map[string]string)
				}
				names[id] = name
			}
		}
		out = append(out, deviceJSON{
			Name:         d.Name,
			Address:      d.Address,
			RSSI:         d.RSSI,
			Connectable:  d.Connectable,
			Profiles:     d.Profiles,
			Services:     services,
			ServiceNames: names,
		})
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blesense/internal/bledb"
	"github.com/srg/blesense/internal/profile"
	"github.com/srg/blesense/internal/profile/cgms"
	"github.com/srg/blesense/internal/profile/csc"
	"github.com/srg/blesense/internal/profile/hts"
	"github.com/srg/blesense/internal/profile/rscs"
	"github.com/srg/blesense/internal/profile/toast"
	"github.com/srg/blesense/internal/racp"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/session"
	"github.com/srg/blesense/pkg/config"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <profile> <address>",
	Short: "Connect to a sensor and print live measurements",
	Long: `Connect to a sensor with the given profile and print one line per
change of its service data until Ctrl+C or until the device disconnects.

Profiles: cgms, hts, csc, rscs, toast.`,
	Example: `  blesense monitor hts AA:BB:CC:DD:EE:FF
  blesense monitor csc AA:BB:CC:DD:EE:FF --wheel-size 2105
  blesense monitor toast AA:BB:CC:DD:EE:FF --power on`,
	Args: cobra.ExactArgs(2),
	RunE: runMonitor,
}

var (
	monitorUnit      string
	monitorWheelSize uint32
	monitorPower     string
)

func init() {
	monitorCmd.Flags().StringVar(&monitorUnit, "unit", "", "HTS display unit (celsius, fahrenheit, kelvin)")
	monitorCmd.Flags().Uint32Var(&monitorWheelSize, "wheel-size", 0, "CSC wheel circumference in millimetres")
	monitorCmd.Flags().StringVar(&monitorPower, "power", "", "Toast: switch power (on, off) once connected")
}

// monitor binds one profile to its repository and line formatter.
type monitor struct {
	profile session.Profile
	sink    profile.Sink
	lines   func(buffer int) (<-chan string, func())
	// onReady runs once the session is set up.
	onReady func(ctx context.Context, s *session.Session) error
}

// watchLines turns store snapshots into formatted lines, skipping repeats.
// The caller must drain the channel after cancelling.
func watchLines[D any](store *repository.Store[D], format func(D) string) func(int) (<-chan string, func()) {
	return func(buffer int) (<-chan string, func()) {
		snapshots, cancel := store.Watch(buffer)
		out := make(chan string, buffer)
		go func() {
			defer close(out)
			last := ""
			for d := range snapshots {
				if line := format(d); line != last {
					out <- line
					last = line
				}
			}
		}()
		return out, cancel
	}
}

func newMonitor(name string, cfg *config.Config, logger *logrus.Logger) (*monitor, error) {
	switch strings.ToLower(name) {
	case "cgms":
		repo := cgms.NewRepository(logger)
		return &monitor{profile: cgms.New(repo), sink: repo, lines: watchLines(repo.Store, formatCGM)}, nil
	case "hts":
		repo := hts.NewRepository(logger)
		unit := cfg.TemperatureUnit()
		if monitorUnit != "" {
			u, err := hts.ParseUnit(monitorUnit)
			if err != nil {
				return nil, err
			}
			unit = u
		}
		repo.SetTemperatureUnit(unit)
		return &monitor{profile: hts.New(repo), sink: repo, lines: watchLines(repo.Store, formatHTS)}, nil
	case "csc":
		repo := csc.NewRepository(logger)
		wheel := cfg.CSC.WheelSizeMM
		if monitorWheelSize > 0 {
			wheel = monitorWheelSize
		}
		return &monitor{profile: csc.New(repo, wheel), sink: repo, lines: watchLines(repo.Store, formatCSC)}, nil
	case "rscs":
		repo := rscs.NewRepository(logger)
		return &monitor{profile: rscs.New(repo), sink: repo, lines: watchLines(repo.Store, formatRSCS)}, nil
	case "toast":
		repo := toast.NewRepository(logger)
		p := toast.New(repo)
		m := &monitor{profile: p, sink: repo, lines: watchLines(repo.Store, formatToast)}
		if monitorPower != "" {
			on, err := parseOnOff(monitorPower)
			if err != nil {
				return nil, err
			}
			m.onReady = func(ctx context.Context, s *session.Session) error {
				return s.Run(ctx, func(ctx context.Context) error { return p.SetPower(ctx, on) })
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown profile %q: must be one of %s", name, strings.Join(profileNames(), ", "))
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid power value %q: must be on or off", s)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	m, err := newMonitor(args[0], cfg, logger)
	if err != nil {
		return err
	}
	address := args[1]
	cmd.SilenceUsage = true

	stack, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	reg := stack.registry(cfg, logger)
	defer reg.CloseAll()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	// watch before launching so the connection states are printed too
	lines, stop := m.lines(16)
	defer func() {
		stop()
		for range lines {
		}
	}()

	fmt.Fprintf(stdout, "Connecting to %s (%s)... press Ctrl+C to stop\n", address, bledb.LookupService(profileServices[m.profile.Name()]))
	s, err := profile.Launch(ctx, reg, address, "", m.profile, m.sink)
	if err != nil {
		return err
	}
	if m.onReady != nil {
		if err := m.onReady(ctx, s); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout)
			return nil
		case <-s.Done():
			drainLines(lines)
			return ErrConnectionLost
		case line := <-lines:
			fmt.Fprintf(stdout, "%s %s\n", dimColor.Sprint(time.Now().Format("15:04:05")), line)
		}
	}
}

// drainLines prints what is already queued without waiting for more.
func drainLines(lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			fmt.Fprintf(stdout, "%s %s\n", dimColor.Sprint(time.Now().Format("15:04:05")), line)
		default:
			return
		}
	}
}

func linkPrefix(l repository.Link) string {
	return stateLabel(l) + " " + batteryLabel(l)
}

func formatCGM(d cgms.ServiceData) string {
	var b strings.Builder
	b.WriteString(linkPrefix(d.Link))
	if d.SessionStart.IsZero() {
		b.WriteString(" | session start unknown")
	} else {
		fmt.Fprintf(&b, " | session since %s", d.SessionStart.Local().Format(time.DateTime))
	}
	fmt.Fprintf(&b, " | %d records", len(d.Records))
	if n := len(d.Records); n > 0 {
		last := d.Records[n-1]
		fmt.Fprintf(&b, " | #%d %.1f mg/dL", last.SequenceNumber, last.Record.Glucose)
		if last.Record.Trend != nil {
			fmt.Fprintf(&b, " trend %+.1f", *last.Record.Trend)
		}
	}
	if d.RequestStatus != racp.StatusIdle {
		fmt.Fprintf(&b, " | request %s", d.RequestStatus)
	}
	return b.String()
}

func formatHTS(d hts.ServiceData) string {
	v, ok := d.Display()
	if !ok {
		return linkPrefix(d.Link) + " | waiting for measurement"
	}
	line := fmt.Sprintf("%s | %.2f%s", linkPrefix(d.Link), v, d.DisplayUnit.Symbol())
	if d.Measurement.Type != hts.TypeUnspecified {
		line += " (" + d.Measurement.Type.String() + ")"
	}
	return line
}

func formatCSC(d csc.ServiceData) string {
	return fmt.Sprintf("%s | %.1f km/h | %.0f rpm | %.2f km (total %.2f km) | wheel %d mm",
		linkPrefix(d.Link), d.Data.Speed*3.6, d.Data.Cadence, d.Data.Distance/1000, d.Data.TotalDistance/1000, d.Data.WheelSizeMM)
}

func formatRSCS(d rscs.ServiceData) string {
	if d.Measurement == nil {
		return linkPrefix(d.Link) + " | waiting for measurement"
	}
	m := d.Measurement
	line := fmt.Sprintf("%s | %s %.2f m/s | %d spm", linkPrefix(d.Link), d.Activity(), m.SpeedMetersPerSecond(), m.Cadence)
	if dist, ok := m.TotalDistanceMeters(); ok {
		line += fmt.Sprintf(" | %.1f m", dist)
	}
	if steps, ok := m.Steps(); ok {
		line += fmt.Sprintf(" | %d steps", steps)
	}
	return line
}

func formatToast(d toast.ServiceData) string {
	line := linkPrefix(d.Link)
	if d.Temperature != nil {
		line += fmt.Sprintf(" | %d°", d.Temperature.Value)
	} else {
		line += " | temperature n/a"
	}
	if d.TargetTemperature != nil {
		line += fmt.Sprintf(" → target %d°", d.TargetTemperature.Value)
	}
	if d.Power != nil {
		if *d.Power {
			line += " | " + okColor.Sprint("on")
		} else {
			line += " | off"
		}
	}
	return line
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesense/internal/profile"
	"github.com/srg/blesense/internal/profile/cgms"
	"github.com/srg/blesense/internal/racp"
	"github.com/srg/blesense/internal/session"
)

// recordsCmd represents the records command
var recordsCmd = &cobra.Command{
	Use:   "records <address>",
	Short: "Fetch stored records from a continuous glucose monitor",
	Long: `Connect to a CGM sensor, ask its Record Access Control Point for stored
records and print them once the transfer completes. A transfer that does
not finish within --timeout is aborted.`,
	Example: `  blesense records AA:BB:CC:DD:EE:FF
  blesense records AA:BB:CC:DD:EE:FF --last
  blesense records AA:BB:CC:DD:EE:FF --timeout 30s --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runRecords,
}

// stopSessionCmd represents the stop-session command
var stopSessionCmd = &cobra.Command{
	Use:   "stop-session <address>",
	Short: "Stop the sensor session of a continuous glucose monitor",
	Args:  cobra.ExactArgs(1),
	RunE:  runStopSession,
}

var (
	recordsFirst   bool
	recordsLast    bool
	recordsTimeout time.Duration
	recordsFormat  string
)

func init() {
	recordsCmd.Flags().BoolVar(&recordsFirst, "first", false, "Fetch only the oldest record")
	recordsCmd.Flags().BoolVar(&recordsLast, "last", false, "Fetch only the newest record")
	recordsCmd.Flags().Bool("all", true, "Fetch every stored record")
	recordsCmd.Flags().DurationVar(&recordsTimeout, "timeout", 0, "Give up and abort after this long (default from config, 0 waits forever)")
	recordsCmd.Flags().StringVarP(&recordsFormat, "format", "f", "table", "Output format (table, json)")
	recordsCmd.MarkFlagsMutuallyExclusive("first", "last", "all")
}

func recordsCommand() cgms.Command {
	switch {
	case recordsFirst:
		return cgms.CommandRequestFirst
	case recordsLast:
		return cgms.CommandRequestLast
	default:
		return cgms.CommandRequestAll
	}
}

func runRecords(cmd *cobra.Command, args []string) error {
	if recordsFormat != "table" && recordsFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", recordsFormat)
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	timeout := cfg.RACPTimeout
	if cmd.Flags().Changed("timeout") {
		timeout = recordsTimeout
	}
	cmd.SilenceUsage = true

	stack, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	reg := stack.registry(cfg, logger)
	defer reg.CloseAll()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	repo := cgms.NewRepository(logger)
	p := cgms.New(repo)
	progress := NewProgressPrinter("Fetching CGM records", "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	s, err := profile.Launch(ctx, reg, args[0], "", p, repo)
	if err != nil {
		return err
	}

	progress.Callback()("Requesting")
	if err := p.Do(ctx, s, recordsCommand()); err != nil {
		return err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(ctx, timeout)
		defer cancelWait()
	}
	progress.Callback()("Receiving")
	final, err := repo.AwaitRequest(waitCtx)
	progress.Callback()("Done")
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		logger.WithField("timeout", timeout).Warn("Record request timed out, aborting")
		abortCtx, cancelAbort := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelAbort()
		if abortErr := p.Do(abortCtx, s, cgms.CommandAbort); abortErr != nil {
			logger.WithError(abortErr).Warn("Abort failed")
		}
		return ErrRequestTimeout
	case err != nil:
		return err
	}

	if final.RequestStatus != racp.StatusSuccess {
		return fmt.Errorf("record request finished with status %s", final.RequestStatus)
	}
	if recordsFormat == "json" {
		return displayRecordsJSON(final.Records)
	}
	return displayRecordsTable(final.Records)
}

func runStopSession(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	stack, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	reg := stack.registry(cfg, logger)
	defer reg.CloseAll()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	repo := cgms.NewRepository(logger)
	p := cgms.New(repo)
	s, err := profile.Launch(ctx, reg, args[0], "", p, repo)
	if err != nil {
		return err
	}

	// only a response newer than this one confirms the command
	before := repo.Snapshot().ControlResponse
	if err := p.Do(ctx, s, cgms.CommandStopSession); err != nil {
		return err
	}

	confirm, cancelConfirm := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancelConfirm()
	resp, err := repo.AwaitControlResponse(confirm, cgms.OpStopSession, before)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(stdout, warnColor.Sprint("Stop session sent, no confirmation from the sensor"))
		return nil
	case errors.Is(err, session.ErrClosed):
		return ErrConnectionLost
	case err != nil:
		return err
	case !resp.Completed():
		fmt.Fprintln(stdout, warnColor.Sprintf("Sensor did not stop the session: %s", resp.Code))
		return nil
	}
	fmt.Fprintln(stdout, okColor.Sprint("Sensor session stopped"))
	return nil
}

func displayRecordsTable(records []cgms.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(stdout, "No records stored")
		return nil
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tGLUCOSE\tTREND\tQUALITY")
	fmt.Fprintln(w, "---\t----\t-------\t-----\t-------")
	for _, r := range records {
		when := "-"
		if !r.Timestamp.IsZero() {
			when = r.Timestamp.Local().Format(time.DateTime)
		}
		trend, quality := "-", "-"
		if r.Record.Trend != nil {
			trend = fmt.Sprintf("%+.1f", *r.Record.Trend)
		}
		if r.Record.Quality != nil {
			quality = fmt.Sprintf("%.0f%%", *r.Record.Quality)
		}
		fmt.Fprintf(w, "%d\t%s\t%.1f mg/dL\t%s\t%s\n", r.SequenceNumber, when, r.Record.Glucose, trend, quality)
	}
	return w.Flush()
}

type recordJSON struct {
	Sequence   uint16     `json:"sequence"`
	TimeOffset uint16     `json:"time_offset_min"`
	Time       *time.Time `json:"time,omitempty"`
	Glucose    float32    `json:"glucose_mg_dl"`
	Trend      *float32   `json:"trend,omitempty"`
	Quality    *float32   `json:"quality,omitempty"`
	Status     *uint8     `json:"status,omitempty"`
	CalTemp    *uint8     `json:"cal_temp,omitempty"`
	Warning    *uint8     `json:"warning,omitempty"`
}

func displayRecordsJSON(records []cgms.Record) error {
	out := make([]recordJSON, 0, len(records))
	for _, r := range records {
		j := recordJSON{
			Sequence:   r.SequenceNumber,
			TimeOffset: r.Record.TimeOffset,
			Glucose:    r.Record.Glucose,
			Trend:      r.Record.Trend,
			Quality:    r.Record.Quality,
			Status:     r.Record.Status,
			CalTemp:    r.Record.CalTemp,
			Warning:    r.Record.Warning,
		}
		if !r.Timestamp.IsZero() {
			ts := r.Timestamp
			j.Time = &ts
		}
		out = append(out, j)
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

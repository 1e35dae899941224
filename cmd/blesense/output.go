package main

import (
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/repository"
)

var (
	stdout io.Writer = os.Stdout

	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func init() {
	// colour only when a person is watching
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func errorLabel() string {
	return errColor.Sprint("ERROR:")
}

// stateLabel renders the link part of a snapshot.
func stateLabel(l repository.Link) string {
	switch {
	case l.MissingServices:
		return errColor.Sprint("unsupported")
	case l.ConnectionState == nil:
		return dimColor.Sprint("idle")
	case *l.ConnectionState == gatt.StateConnected:
		return okColor.Sprint(l.ConnectionState.String())
	case *l.ConnectionState == gatt.StateDisconnected:
		return errColor.Sprint(l.ConnectionState.String())
	default:
		return warnColor.Sprint(l.ConnectionState.String())
	}
}

func batteryLabel(l repository.Link) string {
	if l.BatteryLevel == nil {
		return dimColor.Sprint("battery n/a")
	}
	c := okColor
	if *l.BatteryLevel < 20 {
		c = warnColor
	}
	return c.Sprintf("battery %d%%", *l.BatteryLevel)
}

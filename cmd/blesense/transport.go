package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/gatt/goble"
	"github.com/srg/blesense/internal/gatt/tinyble"
	"github.com/srg/blesense/internal/profile/cgms"
	"github.com/srg/blesense/internal/profile/csc"
	"github.com/srg/blesense/internal/profile/hts"
	"github.com/srg/blesense/internal/profile/rscs"
	"github.com/srg/blesense/internal/profile/toast"
	"github.com/srg/blesense/internal/session"
	"github.com/srg/blesense/pkg/config"
)

// profileServices maps every supported profile to its primary service.
var profileServices = map[string]string{
	"cgms":  cgms.ServiceID,
	"hts":   hts.ServiceID,
	"csc":   csc.ServiceID,
	"rscs":  rscs.ServiceID,
	"toast": toast.ServiceID,
}

func profileNames() []string {
	names := make([]string, 0, len(profileServices))
	for n := range profileServices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// serviceFilter returns the scan filter for the named profiles, all of them when names is empty.
func serviceFilter(names []string) (map[string]ble.UUID, error) {
	if len(names) == 0 {
		names = profileNames()
	}
	out := make(map[string]ble.UUID, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		id, ok := profileServices[n]
		if !ok {
			return nil, fmt.Errorf("unknown profile %q: must be one of %s", n, strings.Join(profileNames(), ", "))
		}
		out[n] = ble.MustParse(id)
	}
	return out, nil
}

// bleStack is the transport and scanner pair selected by the config.
type bleStack struct {
	transport gatt.Transport
	// scanner is opened on demand so that connect-only commands never start one.
	scanner func() (gatt.Scanner, error)
}

func newStack(cfg *config.Config, logger *logrus.Logger) (*bleStack, error) {
	switch cfg.Transport {
	case "tinyble":
		t := tinyble.New(logger).WithNotificationBuffer(cfg.NotificationBuffer)
		ids := make([]string, 0, len(profileServices))
		for _, n := range profileNames() {
			ids = append(ids, profileServices[n])
		}
		if err := t.ProbeServices(ids...); err != nil {
			return nil, err
		}
		return &bleStack{transport: t, scanner: func() (gatt.Scanner, error) { return t, nil }}, nil
	default:
		t := goble.New(logger).WithNotificationBuffer(cfg.NotificationBuffer)
		return &bleStack{transport: t, scanner: func() (gatt.Scanner, error) { return goble.NewScanner() }}, nil
	}
}

func (b *bleStack) registry(cfg *config.Config, logger *logrus.Logger) *session.Registry {
	return session.NewRegistry(b.transport, &session.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		TaskQueue:      cfg.TaskQueue,
	}, logger)
}

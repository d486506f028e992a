package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pilebones/go-udev/netlink"
)

// Removal describes a device that disappeared from the system.
type Removal struct {
	Subsystem string
	DevName   string
	Model     string
	Serial    string
	KObj      string
}

// Matches reports whether the removal refers to binding b. A binding
// matches on its explicit hotplug pattern or when its source is the
// removed device node.
func (r Removal) Matches(b Binding) bool {
	if b.Hotplug != "" {
		pattern := strings.ToLower(b.Hotplug)
		for _, field := range []string{r.DevName, r.Model, r.Serial, r.KObj} {
			if field != "" && strings.Contains(strings.ToLower(field), pattern) {
				return true
			}
		}
		return false
	}
	if r.DevName == "" {
		return false
	}
	for _, s := range b.Sources {
		if s == r.DevName || s == "/dev/"+r.DevName {
			return true
		}
	}
	return false
}

// HotplugMonitor listens to udev netlink events for sound and video
// devices being removed.
type HotplugMonitor struct {
	logger   *slog.Logger
	onRemove func(Removal)
}

// NewHotplugMonitor creates a monitor calling onRemove for every removal.
func NewHotplugMonitor(onRemove func(Removal)) *HotplugMonitor {
	return &HotplugMonitor{
		logger:   slog.Default().With("component", "hotplug"),
		onRemove: onRemove,
	}
}

// Run blocks until ctx is done. A netlink connection failure is logged and
// treated as non-fatal: device loss is then detected from read errors only.
func (m *HotplugMonitor) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; hotplug removal detection disabled", "error", err)
		return nil
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, removalMatcher())
	defer close(quit)

	m.logger.Debug("hotplug monitor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-queue:
			m.onRemove(removalFromEvent(ev))
		case err := <-errs:
			m.logger.Warn("netlink monitor error", "error", err)
		}
	}
}

func removalMatcher() netlink.Matcher {
	action := "remove"
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range []string{"sound", "video4linux", "usb"} {
		rules.AddRule(netlink.RuleDefinition{
			Action: &action,
			Env:    map[string]string{"SUBSYSTEM": subsystem},
		})
	}
	return rules
}

func removalFromEvent(ev netlink.UEvent) Removal {
	return Removal{
		Subsystem: ev.Env["SUBSYSTEM"],
		DevName:   ev.Env["DEVNAME"],
		Model:     ev.Env["ID_MODEL"],
		Serial:    ev.Env["ID_SERIAL"],
		KObj:      ev.KObj,
	}
}

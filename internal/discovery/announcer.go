// Package discovery implements the Service Announcer (spec.md §4.A): it
// publishes a single `_audiowallet._tcp` mDNS service record describing
// the room, and republishes whenever the room mutates. Grounded on
// harperreed-resonate-go's discovery.Manager (Advertise/Stop around
// hashicorp/mdns), generalized from an audio-streaming device record to
// the venue host's room/lock/port TXT record.
package discovery

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/metrics"
)

const (
	serviceType    = "_audiowallet._tcp"
	protocolVer    = "1"
	maxServiceName = 63
)

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// SanitizeServiceName coerces an arbitrary room name into the ASCII
// `[A-Za-z0-9-]{1,63}` instance name spec.md §4.A requires: disallowed
// runs become a single "-", the result is truncated to 63 chars, and an
// empty result falls back to "PandemicRoom".
func SanitizeServiceName(name string) string {
	sanitized := sanitizePattern.ReplaceAllString(name, "-")
	sanitized = strings.Trim(sanitized, "-")
	if len(sanitized) > maxServiceName {
		sanitized = sanitized[:maxServiceName]
	}
	if sanitized == "" {
		return "PandemicRoom"
	}
	return sanitized
}

// Record is the set of fields the announcer publishes, matching the TXT
// keys of spec.md §4.A/§6.
type Record struct {
	RoomName string
	RoomID   string
	Locked   bool
	Port     int
}

func (r Record) txt() []string {
	lock := "0"
	if r.Locked {
		lock = "1"
	}
	return []string{
		"v=" + protocolVer,
		"room=" + r.RoomName,
		"roomId=" + r.RoomID,
		"lock=" + lock,
		"relay=1",
		"port=" + strconv.Itoa(r.Port),
	}
}

// Announcer owns the single mDNS server instance; mutations reach it via
// Publish, which tears down and recreates the underlying server (the
// hashicorp/mdns server has no in-place record update).
type Announcer struct {
	mu     sync.Mutex
	server *mdns.Server
	logger *zap.Logger
}

func New(logger *zap.Logger) *Announcer {
	return &Announcer{logger: logger}
}

// Publish (re)publishes the service record. Failure is logged as a
// non-fatal warning per spec.md §4.A — the host keeps accepting
// connections reached by other means (QR code, manual IP) even if
// multicast DNS is unavailable on this link.
func (a *Announcer) Publish(rec Record) {
	instance := SanitizeServiceName(rec.RoomName)

	service, err := mdns.NewMDNSService(instance, serviceType, "", "", rec.Port, nil, rec.txt())
	if err != nil {
		a.logger.Warn("failed to build mDNS service record", zap.Error(err))
		metrics.AnnouncerPublishErrorsTotal.Inc()
		return
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		a.logger.Warn("failed to start mDNS server", zap.Error(err))
		metrics.AnnouncerPublishErrorsTotal.Inc()
		return
	}

	a.mu.Lock()
	old := a.server
	a.server = server
	a.mu.Unlock()

	if old != nil {
		if err := old.Shutdown(); err != nil {
			a.logger.Debug("error shutting down previous mDNS server", zap.Error(err))
		}
	}

	a.logger.Info("republished mDNS service record",
		zap.String("instance", instance),
		zap.String("roomId", rec.RoomID),
		zap.Bool("locked", rec.Locked),
		zap.Int("port", rec.Port),
	)
}

// Stop tears down the announcer at host shutdown.
func (a *Announcer) Stop() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server == nil {
		return
	}
	if err := server.Shutdown(); err != nil {
		a.logger.Debug("error shutting down mDNS server", zap.Error(err))
	}
}

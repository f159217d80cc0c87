package runtime

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/bravos/lockagent"
)

const (
	UnknownDeviceID   = "unknown-device-id"
	UnknownDeviceName = "Unknown-PC"
)

var hostInfo = host.InfoWithContext

// ResolveIdentity reads the machine id and host name once at startup. Lookups that
// fail fall back to fixed placeholders rather than erroring.
func ResolveIdentity(ctx context.Context, log *zap.SugaredLogger) lockagent.Identity {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := lockagent.Identity{DeviceID: UnknownDeviceID, DeviceName: UnknownDeviceName}

	info, err := hostInfo(ctx)
	if err != nil || info == nil {
		log.Warnw("Failed to read host info, using defaults", "error", err)
		return id
	}
	if v := strings.TrimSpace(info.HostID); v != "" {
		id.DeviceID = v
	} else {
		log.Warnw("Failed to read machine id, using default")
	}
	if v := strings.TrimSpace(info.Hostname); v != "" {
		id.DeviceName = v
	} else {
		log.Warnw("Failed to get computer name, using default")
	}
	log.Infow("Resolved device identity", "deviceId", id.DeviceID, "deviceName", id.DeviceName)
	return id
}

package engine

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// HostInfo identifies the local machine, falling back to os.Hostname when
// platform details are unavailable.
func HostInfo(ctx context.Context) types.HostInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return types.HostInfo{Hostname: name}
	}
	return types.HostInfo{
		Hostname: info.Hostname,
		OS:       info.OS,
		Platform: info.Platform + " " + info.PlatformVersion,
		Kernel:   info.KernelVersion,
	}
}

package handler

import (
	"net"
	"net/http"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/capability"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// getStatus is the public liveness probe plus the feature flags a
// client consults before showing UI for a capability group.
func getStatus(ctx *gin.Context) {
	devices, operators := 0, 0
	if events != nil {
		devices, operators = events.Counts()
	}
	ctx.JSON(http.StatusOK, gin.H{
		`status`:            `running`,
		`version`:           modules.Version,
		`protocol`:          `https`,
		`setup_completed`:   config.Config.SetupCompleted,
		`toggles`:           config.Config.Toggles,
		`capabilities`:      capability.Names(),
		`paired_devices`:    registry.Count(),
		`connected_devices`: devices,
		`operator_sessions`: operators,
		`extensions_path`:   config.ExtensionsPath(),
	})
}

// getQRPayload serves the pairing bootstrap blob the UI renders as a
// QR code. Refused until first-time setup so a fresh install never
// leaks its key.
func getQRPayload(ctx *gin.Context) {
	if !config.Config.SetupCompleted {
		common.Fail(ctx, http.StatusForbidden, modules.CodeServiceDisabled, `setup not completed`)
		return
	}
	ctx.JSON(http.StatusOK, modules.QRPayload{
		IP:              localIP(),
		Port:            config.Config.Port,
		Protocol:        `https`,
		APIKey:          identity.APIKey(),
		CertFingerprint: identity.Fingerprint(),
	})
}

// localIP picks the address the host would use to reach the LAN.
func localIP() string {
	conn, err := net.Dial(`udp4`, `192.168.1.1:80`)
	if err == nil {
		defer conn.Close()
		return common.GetAddrIP(conn.LocalAddr())
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return `127.0.0.1`
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip := ipnet.IP.To4(); ip != nil {
					return ip.String()
				}
			}
		}
	}
	return `127.0.0.1`
}

// getToggles returns the service toggle map.
func getToggles(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{`toggles`: config.Config.Toggles})
}

// patchToggles flips the named toggles and persists them. Unknown
// names are refused so a typo cannot silently gate nothing.
func patchToggles(ctx *gin.Context) {
	var body map[string]bool
	if err := ctx.ShouldBindJSON(&body); err != nil || len(body) == 0 {
		common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `expected {toggle: bool} map`)
		return
	}
	for name := range body {
		if _, ok := config.Config.Toggles[name]; !ok {
			common.Fail(ctx, http.StatusBadRequest, modules.CodeInvalidParameter, `unknown toggle `+name)
			return
		}
	}
	for name, enabled := range body {
		if err := config.SetToggle(name, enabled); err != nil {
			common.Fail(ctx, http.StatusInternalServerError, modules.CodeInternalError, err.Error())
			return
		}
		common.Info(ctx, `TOGGLE_CHANGE`, ``, ``, map[string]any{`toggle`: name, `enabled`: enabled})
	}
	ctx.JSON(http.StatusOK, gin.H{`toggles`: config.Config.Toggles})
}

// getSystemInfo reports host hardware and usage for the UI dashboard.
func getSystemInfo(ctx *gin.Context) {
	info := gin.H{}
	if hostInfo, err := host.Info(); err == nil {
		info[`hostname`] = hostInfo.Hostname
		info[`os`] = hostInfo.OS
		info[`platform`] = hostInfo.Platform
		info[`platform_version`] = hostInfo.PlatformVersion
		info[`uptime`] = hostInfo.Uptime
	}
	if counts, err := cpu.Counts(true); err == nil {
		info[`cpu_count`] = counts
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info[`cpu_percent`] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info[`memory_total`] = vm.Total
		info[`memory_used`] = vm.Used
		info[`memory_percent`] = vm.UsedPercent
	}
	if usage, err := disk.Usage(config.DataDir()); err == nil {
		info[`disk_total`] = usage.Total
		info[`disk_free`] = usage.Free
		info[`disk_percent`] = usage.UsedPercent
	}
	ctx.JSON(http.StatusOK, info)
}

package agent

import (
	"net"
	"os"
	"runtime"
	"strings"
	"time"
)

// startTime anchors uptime reporting to process start.
var startTime = time.Now()

// systemInfo collects the advisory identity snapshot sent in announce
// requests. Every field is best-effort: a kiosk that cannot read its MAC
// still announces.
func systemInfo() map[string]any {
	info := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}
	return info
}

// serialNumber returns the machine's hardware serial from DMI, falling
// back to the hostname when the board does not expose one (common on
// single-board kiosks). Advisory only; the server never keys on it.
func serialNumber() string {
	if data, err := os.ReadFile("/sys/class/dmi/id/product_serial"); err == nil {
		if serial := strings.TrimSpace(string(data)); serial != "" {
			return serial
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	return hostname
}

// primaryMAC returns the hardware address of the first non-loopback
// interface that has one, or "".
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			return mac
		}
	}
	return ""
}

// localIP returns the machine's outbound-facing IP, or "". The UDP dial
// never sends a packet; it only asks the kernel which source address it
// would pick.
func localIP() string {
	conn, err := net.Dial("udp", "203.0.113.1:9")
	if err != nil {
		return ""
	}
	defer conn.Close() //nolint:errcheck // Best effort cleanup

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// uptimeSeconds reports how long the agent process has been running.
func uptimeSeconds() int64 {
	return int64(time.Since(startTime).Seconds())
}

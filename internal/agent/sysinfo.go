package agent

import (
	"bufio"
	"net"
	"os"
	"runtime"
	"strings"
)

const osReleasePath = "/etc/os-release"

// hostInfo returns the primary outbound IPv4 address and a human-readable
// OS name. Either may be empty when it cannot be determined.
func hostInfo(osType string) (string, string) {
	return outboundIP(), osName(osType, osReleasePath)
}

// outboundIP picks the address the kernel would route external traffic
// from. Dialing UDP sends no packets.
func outboundIP() string {
	conn, err := net.Dial("udp4", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// osName reads PRETTY_NAME from an os-release file, falling back to the
// configured os type.
func osName(osType, releasePath string) string {
	if osType == "windows" || runtime.GOOS == "windows" {
		return "Windows"
	}
	f, err := os.Open(releasePath)
	if err != nil {
		return fallbackOSName(osType)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
			if v = strings.Trim(v, `"'`); v != "" {
				return v
			}
		}
	}
	return fallbackOSName(osType)
}

func fallbackOSName(osType string) string {
	if osType == "" {
		return runtime.GOOS
	}
	return strings.ToUpper(osType[:1]) + osType[1:]
}

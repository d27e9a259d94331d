package catalog

import "strings"

type categoryRule struct {
	keywords []string
	category string
}

// Checked in order; the first keyword hit wins.
var ubuntuCategories = []categoryRule{
	{[]string{"ssh"}, "SSH"},
	{[]string{"firewall", "ufw"}, "Firewall"},
	{[]string{"audit"}, "Auditing"},
	{[]string{"update"}, "System Updates"},
	{[]string{"password"}, "Password Policy"},
	{[]string{"tmp", "mount"}, "Filesystem"},
	{[]string{"apparmor", "selinux"}, "Access Control"},
	{[]string{"log", "rsyslog"}, "Logging"},
	{[]string{"ipv6", "network"}, "Network"},
}

var windowsCategories = []categoryRule{
	{[]string{"smb", "protocol"}, "Network"},
	{[]string{"defender", "antivirus"}, "Antivirus"},
	{[]string{"firewall"}, "Firewall"},
	{[]string{"password", "lockout"}, "Password Policy"},
	{[]string{"uac", "user account control"}, "Access Control"},
	{[]string{"audit", "logon"}, "Auditing"},
	{[]string{"remote desktop", "rdp"}, "Network"},
	{[]string{"update"}, "System Updates"},
}

const defaultCategory = "Security"

// InferCategory derives a rule category from its title using a fixed
// keyword table for the given OS.
func InferCategory(target OSType, title string) string {
	table := ubuntuCategories
	if target == OSWindows {
		table = windowsCategories
	}
	t := strings.ToLower(title)
	for _, c := range table {
		for _, kw := range c.keywords {
			if strings.Contains(t, kw) {
				return c.category
			}
		}
	}
	return defaultCategory
}

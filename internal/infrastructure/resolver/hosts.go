package resolver

import (
	"bufio"
	"net"
	"os"
	"strings"

	"asyncproxy/internal/domain"
)

// lookupHosts returns the first address of the wanted family that the hosts
// file at path lists for host. The file is read on every call so that edits
// take effect without a restart.
func lookupHosts(path, host string, family domain.Family) (net.IP, bool) {
	if path == "" {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	host = strings.TrimSuffix(host, ".")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		if family == domain.FamilyINET6 {
			if ip.To4() != nil {
				continue
			}
		} else {
			if ip = ip.To4(); ip == nil {
				continue
			}
		}
		for _, name := range fields[1:] {
			if strings.EqualFold(strings.TrimSuffix(name, "."), host) {
				return ip, true
			}
		}
	}
	return nil, false
}

package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// metadataHosts are cloud instance-metadata services. An RPC URL pointing at
// one would leak credentials into simulate requests.
var metadataHosts = []string{"metadata.google.internal", "metadata.google", "metadata.azure.com"}

// ValidateRPCURL checks that an operator-supplied Solana RPC endpoint is an
// absolute http(s) URL without embedded credentials that does not target a
// metadata service. Loopback and private hosts stay allowed for local validators.
func ValidateRPCURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	host := u.Hostname()
	for _, b := range metadataHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses are not allowed")
	}
	return nil
}

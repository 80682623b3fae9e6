package instance

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/apperr"
)

var numberRe = regexp.MustCompile(`^\d+$`)

// deniedHeaders are request headers an endpoint owner must not override.
var deniedHeaders = []string{"host", "authorization", "cookie", "set-cookie"}

// validateCallbackURL rejects URLs that do not parse, use a scheme other
// than http/https, or whose host resolves to loopback or RFC-1918 space.
func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperr.New(apperr.Validation, "Invalid webhook URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.New(apperr.Validation, "Webhook URL must use HTTP or HTTPS")
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return apperr.New(apperr.Validation, "Webhook URL cannot point to local/private networks")
	}

	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return apperr.New(apperr.Validation, "Webhook URL host does not resolve")
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return apperr.New(apperr.Validation, "Webhook URL cannot point to local/private networks")
		}
	}
	return nil
}

func validateCallbackHeaders(headers map[string]string) error {
	for name := range headers {
		lower := strings.ToLower(name)
		for _, denied := range deniedHeaders {
			if lower == denied {
				return apperr.Newf(apperr.Validation, "Header %q not allowed in webhook configuration", name)
			}
		}
	}
	return nil
}

func validateNumber(number string) error {
	if number == "" {
		return nil
	}
	if !numberRe.MatchString(number) {
		return apperr.New(apperr.Validation, "Invalid phone number format")
	}
	return nil
}

package trusttoken

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrUnsuitableOrigin = errors.New("origin is not potentially trustworthy")

// Origin is a scheme/host[:port] pair. Default ports are elided so that
// https://a.example and https://a.example:443 compare equal.
type Origin struct {
	Scheme string
	Host   string
}

func OriginOf(u *url.URL) Origin {
	if u == nil {
		return Origin{}
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return Origin{Scheme: scheme, Host: host}
}

func ParseOrigin(raw string) (Origin, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Origin{}, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Origin{}, fmt.Errorf("origin %q must have a scheme and host", raw)
	}
	return OriginOf(u), nil
}

// ParseSuitableOrigin parses raw and requires the result to be potentially
// trustworthy.
func ParseSuitableOrigin(raw string) (Origin, error) {
	o, err := ParseOrigin(raw)
	if err != nil {
		return Origin{}, err
	}
	if !o.IsPotentiallyTrustworthy() {
		return Origin{}, fmt.Errorf("%w: %s", ErrUnsuitableOrigin, o)
	}
	return o, nil
}

func (o Origin) String() string {
	if o.Scheme == "" && o.Host == "" {
		return ""
	}
	return o.Scheme + "://" + o.Host
}

func (o Origin) IsZero() bool {
	return o.Scheme == "" && o.Host == ""
}

// IsPotentiallyTrustworthy reports whether o is https, or http on a
// loopback host.
func (o Origin) IsPotentiallyTrustworthy() bool {
	switch o.Scheme {
	case "https":
		return o.Host != ""
	case "http":
		return isLoopbackHost(o.hostname())
	default:
		return false
	}
}

func (o Origin) hostname() string {
	u := url.URL{Host: o.Host}
	return u.Hostname()
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

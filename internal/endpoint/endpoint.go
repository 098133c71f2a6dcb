package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrResolution matches every *ResolutionError via errors.Is.
var ErrResolution = errors.New("endpoint resolution failed")

// ResolutionError reports malformed host or port input.
type ResolutionError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// Target is one connection target: a host and a port or service name.
type Target struct {
	Host string
	Port string
}

// Address returns host:port, bracketing IPv6 literals.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// URL returns scheme://host:port.
func (t Target) URL(scheme string) string {
	return scheme + "://" + t.Address()
}

func (t Target) String() string {
	return t.Address()
}

// Targets pairs the command and video targets of one session.
type Targets struct {
	Command Target
	Video   Target
}

// Resolve validates the input and builds both targets. It never performs I/O:
// service names are kept as-is and resolved by the dialer.
func Resolve(host, commandPort, videoPort string) (Targets, error) {
	h, err := normalizeHost(host)
	if err != nil {
		return Targets{}, err
	}
	cmd, err := normalizePort("command port", commandPort)
	if err != nil {
		return Targets{}, err
	}
	video, err := normalizePort("video port", videoPort)
	if err != nil {
		return Targets{}, err
	}
	if cmd == video {
		return Targets{}, &ResolutionError{Field: "video port", Value: video, Reason: "must differ from command port"}
	}

	return Targets{
		Command: Target{Host: h, Port: cmd},
		Video:   Target{Host: h, Port: video},
	}, nil
}

func normalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", &ResolutionError{Field: "host", Value: raw, Reason: "is empty"}
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		inner := host[1 : len(host)-1]
		if ip := net.ParseIP(inner); ip != nil && ip.To4() == nil {
			return inner, nil
		}

		return "", &ResolutionError{Field: "host", Value: raw, Reason: "brackets are only valid around an IPv6 address"}
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if strings.Contains(host, ":") {
		return "", &ResolutionError{Field: "host", Value: raw, Reason: "must not contain a port"}
	}
	if reason := hostnameProblem(host); reason != "" {
		return "", &ResolutionError{Field: "host", Value: raw, Reason: reason}
	}

	return strings.TrimSuffix(host, "."), nil
}

func hostnameProblem(host string) string {
	name := strings.TrimSuffix(host, ".")
	if len(name) == 0 || len(name) > 253 {
		return "hostname length must be 1..253"
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 63 {
			return "hostname label length must be 1..63"
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return "hostname label must not start or end with a hyphen"
		}
		for i := 0; i < len(label); i++ {
			if !isAlnum(label[i]) && label[i] != '-' {
				return fmt.Sprintf("hostname contains invalid character %q", label[i])
			}
		}
	}

	return ""
}

func normalizePort(field, raw string) (string, error) {
	port := strings.TrimSpace(raw)
	if port == "" {
		return "", &ResolutionError{Field: field, Value: raw, Reason: "is empty"}
	}
	if isDigits(port) {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", &ResolutionError{Field: field, Value: raw, Reason: "must be in range 1..65535"}
		}

		return strconv.Itoa(n), nil
	}
	if reason := serviceNameProblem(port); reason != "" {
		return "", &ResolutionError{Field: field, Value: raw, Reason: reason}
	}

	return strings.ToLower(port), nil
}

// serviceNameProblem checks RFC 6335 service name syntax.
func serviceNameProblem(name string) string {
	if len(name) > 15 {
		return "service name is longer than 15 characters"
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return "service name must not start or end with a hyphen"
	}
	if strings.Contains(name, "--") {
		return "service name must not contain consecutive hyphens"
	}
	hasLetter := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case isLetter(c):
			hasLetter = true
		case isDigit(c), c == '-':
		default:
			return fmt.Sprintf("service name contains invalid character %q", c)
		}
	}
	if !hasLetter {
		return "service name must contain a letter"
	}

	return ""
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}

	return true
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool  { return isDigit(c) || isLetter(c) }

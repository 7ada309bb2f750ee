package transport

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/ramoncreager/matrix/errors"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomSuffix returns a random alphanumeric string of length n, used to
// fill in XXXXX placeholders in inproc/ipc URLs and to make every bound
// rtinproc/inproc endpoint name unique within a process.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alnum[int(b)%len(alnum)]
	}
	return string(out)
}

// replaceTrailingXs replaces a trailing run of 'X' characters in s with a
// random alphanumeric string of the same length. If s has no trailing X
// run, it is returned unchanged.
func replaceTrailingXs(s string) string {
	end := len(s)
	start := end
	for start > 0 && s[start-1] == 'X' {
		start--
	}
	if start == end {
		return s
	}
	return s[:start] + randomSuffix(end-start)
}

// canonicalHost returns the machine's canonical (FQDN where possible)
// hostname, used to replace the '*' wildcard in tcp://*[:port] endpoint
// specifications.
func canonicalHost() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", errors.WrapTransient(err, "transport", "canonicalHost", "os.Hostname")
	}
	addrs, err := net.LookupHost(name)
	if err != nil || len(addrs) == 0 {
		// No resolver available (common in containers); fall back to the
		// short hostname, which is still usable on the same machine/LAN.
		return name, nil
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return name, nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// ResolveServerURL turns a Specified endpoint URL into a concrete
// AsConfigured URL, replacing the '*' host wildcard and/or an ephemeral
// port placeholder for tcp, and any trailing 'X' run for inproc/ipc.
//
// tcp://*                  -> tcp://<canonical-host>:<os-ephemeral-port>
// tcp://*:XXXXX             -> tcp://<canonical-host>:<os-ephemeral-port>
// tcp://*:7890              -> tcp://<canonical-host>:7890 (port kept as-is)
// inproc://matrix.a.XXXXX   -> inproc://matrix.a.<rand>
// ipc:///tmp/matrix.XXXXX   -> ipc:///tmp/matrix.<rand>
func ResolveServerURL(specified string) (string, error) {
	// url.Parse rejects a non-numeric port, so a trailing XXXXX placeholder
	// is dropped before parsing; tcp://*:XXXXX then parses with an empty port.
	u, err := url.Parse(strings.TrimSuffix(specified, "XXXXX"))
	if err != nil {
		return "", errors.WrapInvalid(err, "transport", "ResolveServerURL", specified)
	}

	switch u.Scheme {
	case "tcp":
		host := u.Hostname()
		port := u.Port()
		if host == "*" || host == "" {
			canon, err := canonicalHost()
			if err != nil {
				return "", err
			}
			host = canon
		}
		if port == "" || port == "XXXXX" {
			// OS-assigned ephemeral port: bind a throwaway listener just to
			// learn a free port number, then release it immediately. The
			// real listener is created by the caller with this port, which
			// is a short, accepted race in practice (see original's use of
			// ephemeral tcp ports for the same purpose).
			l, err := net.Listen("tcp", ":0")
			if err != nil {
				return "", errors.WrapTransient(err, "transport", "ResolveServerURL", "allocate ephemeral port")
			}
			port = fmt.Sprintf("%d", l.Addr().(*net.TCPAddr).Port)
			_ = l.Close()
		}
		return fmt.Sprintf("tcp://%s:%s", host, port), nil

	case "inproc", "rtinproc", "ipc":
		return replaceTrailingXs(specified), nil

	case "nats":
		return specified, nil

	default:
		return "", errors.WrapInvalid(errors.ErrSchemeNotRegistered, "transport", "ResolveServerURL", u.Scheme)
	}
}

// SchemeOf returns the URL scheme of a transport endpoint URL.
func SchemeOf(rawurl string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(rawurl, "XXXXX"))
	if err != nil {
		return "", errors.WrapInvalid(err, "transport", "SchemeOf", rawurl)
	}
	return u.Scheme, nil
}

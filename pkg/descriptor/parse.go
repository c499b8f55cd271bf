package descriptor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse builds a Descriptor from an ADO-style connection string such as
//
//	Server=db.local,1433;Database=shop;User Id=app;Password="p;w";
//
// Keys are case-insensitive and values may be wrapped in single or double
// quotes. The result defaults to port 1433, encryption on and SQL login.
func Parse(connectionString string) (Descriptor, error) {
	d := Descriptor{
		AuthType: AuthDefault,
		Encrypt:  true,
	}

	pairs, err := splitPairs(connectionString)
	if err != nil {
		return Descriptor{}, err
	}

	for _, kv := range pairs {
		key, value := kv[0], kv[1]
		switch key {
		case "server", "data source", "address", "addr":
			if err := d.setServer(value); err != nil {
				return Descriptor{}, err
			}
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return Descriptor{}, fmt.Errorf("invalid port %q: %w", value, err)
			}
			d.Port = port
		case "database", "initial catalog":
			d.Database = value
		case "user id", "uid", "user":
			d.User = value
		case "password", "pwd":
			d.Password = value
		case "domain":
			d.Domain = value
			d.AuthType = AuthNTLM
		case "integrated security", "trusted_connection":
			if isTrue(value) || strings.EqualFold(value, "sspi") {
				d.AuthType = AuthNTLM
			}
		case "encrypt":
			d.Encrypt = isTrue(value)
		case "connect timeout", "connection timeout", "timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return Descriptor{}, fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			d.ConnectTimeout = time.Duration(secs) * time.Second
		case "command timeout", "request timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return Descriptor{}, fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			d.RequestTimeout = time.Duration(secs) * time.Second
		}
	}

	if d.Host == "" {
		return Descriptor{}, fmt.Errorf("connection string has no server")
	}
	if d.AuthType == AuthNTLM && d.Domain == "" {
		// DOMAIN\user carries the domain in the login itself.
		domain, user, ok := strings.Cut(d.User, `\`)
		if !ok || domain == "" {
			return Descriptor{}, fmt.Errorf("integrated security needs a domain: set Domain= or User Id=DOMAIN\\user")
		}
		d.Domain, d.User = domain, user
	}
	if d.Port == 0 && d.Instance == "" {
		d.Port = DefaultPort
	}
	return d, nil
}

// setServer accepts host, host,port, host\instance and an optional tcp: prefix.
func (d *Descriptor) setServer(value string) error {
	value = strings.TrimPrefix(strings.TrimSpace(value), "tcp:")
	if i := strings.IndexByte(value, ','); i >= 0 {
		port, err := strconv.Atoi(strings.TrimSpace(value[i+1:]))
		if err != nil {
			return fmt.Errorf("invalid server port in %q: %w", value, err)
		}
		d.Port = port
		value = value[:i]
	}
	if i := strings.IndexByte(value, '\\'); i >= 0 {
		d.Instance = value[i+1:]
		value = value[:i]
	}
	if value == "." || strings.EqualFold(value, "(local)") {
		value = "localhost"
	}
	d.Host = value
	return nil
}

// splitPairs tokenizes key=value pairs separated by semicolons, honouring
// quoted values that contain separators.
func splitPairs(s string) ([][2]string, error) {
	var (
		pairs [][2]string
		i     int
	)
	for i < len(s) {
		for i < len(s) && (s[i] == ';' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed connection string near %q", s[i:])
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1
		for i < len(s) && s[i] == ' ' {
			i++
		}

		var value string
		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			quote := s[i]
			end := strings.IndexByte(s[i+1:], quote)
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote for key %q", key)
			}
			value = s[i+1 : i+1+end]
			i += end + 2
		} else {
			end := strings.IndexByte(s[i:], ';')
			if end < 0 {
				end = len(s) - i
			}
			value = strings.TrimSpace(s[i : i+end])
			i += end
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

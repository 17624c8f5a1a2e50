package variant

import (
	"fmt"
	"strconv"
	"strings"
)

type acceptedEncoding struct {
	name  string
	q     float64
	order int
}

// Negotiate parses an Accept-Encoding header and returns the encodings
// the response may use, best first, restricted to the supported set.
// Higher q wins; equal q preserves the client's listed order. Identity
// is always an acceptable last resort unless the client explicitly
// forbade it (identity;q=0 or a matching *;q=0).
func Negotiate(header string) ([]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return []string{Identity}, nil
	}

	explicit := make(map[string]float64)
	var accepted []acceptedEncoding

	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, q, err := parseEncoding(part)
		if err != nil {
			return nil, err
		}
		explicit[name] = q
		accepted = append(accepted, acceptedEncoding{name: name, q: q, order: i})
	}

	wildcard, hasWildcard := explicit["*"]

	var usable []acceptedEncoding
	for _, enc := range []string{Gzip, Brotli, Identity} {
		q, ok := explicit[enc]
		if !ok {
			switch {
			case hasWildcard:
				q = wildcard
			case enc == Identity:
				// Identity is acceptable unless ruled out.
				q = smallestQ
			default:
				continue
			}
		}
		if q <= 0 {
			continue
		}
		usable = append(usable, acceptedEncoding{name: enc, q: q, order: orderOf(accepted, enc)})
	}

	if len(usable) == 0 {
		return nil, nil
	}

	// Stable selection: q descending, then the client's listed order.
	for i := 1; i < len(usable); i++ {
		for j := i; j > 0; j-- {
			a, b := usable[j-1], usable[j]
			if b.q > a.q || (b.q == a.q && b.order < a.order) {
				usable[j-1], usable[j] = b, a
			} else {
				break
			}
		}
	}

	result := make([]string, len(usable))
	for i, enc := range usable {
		result[i] = enc.name
	}
	return result, nil
}

// smallestQ ranks implicitly-acceptable identity below anything the
// client actually asked for.
const smallestQ = 0.0001

func orderOf(accepted []acceptedEncoding, name string) int {
	for _, enc := range accepted {
		if enc.name == name {
			return enc.order
		}
	}
	// Implicit entries sort after everything listed.
	return len(accepted)
}

func parseEncoding(part string) (name string, q float64, err error) {
	fields := strings.Split(part, ";")
	name = strings.ToLower(strings.TrimSpace(fields[0]))
	if name == "" {
		return "", 0, fmt.Errorf("%w: empty coding in %q", ErrMalformedHeader, part)
	}
	// x-gzip is a legacy alias.
	if name == "x-gzip" {
		name = Gzip
	}

	q = 1
	for _, field := range fields[1:] {
		field = strings.TrimSpace(field)
		key, value, found := strings.Cut(field, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		q, err = strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || q < 0 || q > 1 {
			return "", 0, fmt.Errorf("%w: bad qvalue in %q", ErrMalformedHeader, part)
		}
	}
	return name, q, nil
}

package cache

import (
	"strconv"
	"strings"
	"time"
)

type directives struct {
	noStore bool
	noCache bool
	private bool
	maxAge  *time.Duration
	sMaxAge *time.Duration
}

func parseCacheControl(header string) directives {
	var d directives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		switch strings.TrimSpace(name) {
		case "no-store":
			d.noStore = true
		case "no-cache":
			// the field-name form still forbids serving without revalidation
			d.noCache = true
		case "private":
			d.private = true
		case "max-age":
			d.maxAge = parseSeconds(value, hasValue)
		case "s-maxage":
			d.sMaxAge = parseSeconds(value, hasValue)
		}
	}
	return d
}

func parseSeconds(value string, ok bool) *time.Duration {
	if !ok {
		return nil
	}
	secs, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

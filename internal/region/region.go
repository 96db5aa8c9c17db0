// Package region resolves a collector region code into its ingestion and
// time-sync endpoints.
package region

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// EnvVar names the environment variable consulted when no region is given.
const EnvVar = "CORALOGIX_REGION"

// Domain is the collector's base domain.
const Domain = "coralogix.com"

const (
	logPath  = "/logs/v1/singles"
	timePath = "/sdk/v1/time"
)

// codes is the fixed set of supported regions.
var codes = map[string]struct{}{
	"AP1": {},
	"AP2": {},
	"AP3": {},
	"EU1": {},
	"EU2": {},
	"US1": {},
	"US2": {},
}

// ErrRegionRequired is returned when neither an explicit region nor the
// environment variable is set.
var ErrRegionRequired = errors.New(EnvVar + " is mandatory: pass a region or set the environment variable")

// InvalidRegionError reports a region code outside the supported set.
type InvalidRegionError struct {
	Region string
}

func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("Invalid region %q, expected one of %s", e.Region, strings.Join(Codes(), ", "))
}

// Endpoints is the URL pair used for one region.
type Endpoints struct {
	Region  string
	LogURL  string
	TimeURL string
}

// Codes lists the supported region codes in sorted order.
func Codes() []string {
	out := make([]string, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Normalize picks the explicit region if set, otherwise the environment
// default, and upper-cases it. It validates the result.
func Normalize(explicit string) (string, error) {
	r := strings.TrimSpace(explicit)
	if r == "" {
		r = strings.TrimSpace(os.Getenv(EnvVar))
	}
	if r == "" {
		return "", ErrRegionRequired
	}
	r = strings.ToUpper(r)
	if _, ok := codes[r]; !ok {
		return "", &InvalidRegionError{Region: r}
	}
	return r, nil
}

// Resolve returns both endpoints for a region.
func Resolve(explicit string) (Endpoints, error) {
	r, err := Normalize(explicit)
	if err != nil {
		return Endpoints{}, err
	}
	base := "https://ingress." + strings.ToLower(r) + "." + Domain
	return Endpoints{
		Region:  r,
		LogURL:  base + logPath,
		TimeURL: base + timePath,
	}, nil
}

// LogURL returns the ingestion URL for a region.
func LogURL(explicit string) (string, error) {
	ep, err := Resolve(explicit)
	if err != nil {
		return "", err
	}
	return ep.LogURL, nil
}

// TimeURL returns the time-sync URL for a region.
func TimeURL(explicit string) (string, error) {
	ep, err := Resolve(explicit)
	if err != nil {
		return "", err
	}
	return ep.TimeURL, nil
}

// ForBaseURL builds endpoints under a custom base URL, such as a local
// collector or a forwarding proxy. No region code is involved.
func ForBaseURL(base string) Endpoints {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return Endpoints{
		LogURL:  base + logPath,
		TimeURL: base + timePath,
	}
}

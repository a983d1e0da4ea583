package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	gocache "github.com/patrickmn/go-cache"
)

// errNoLocation is returned when the geolocation service has no location
// data for an address.
const errNoLocation errors.Error = "no location data"

// maxGeoBody bounds the response read from the geolocation service.
const maxGeoBody = 64 * 1024

// geoResponse is the subset of the geolocation service's response that is
// actually used.
type geoResponse struct {
	City    string `json:"city"`
	Country string `json:"country_name"`
}

// Location returns a human-readable "City, Country" location for ip.
// Lookups are cached, since the address of interest rarely changes within a
// run and the service is rate limited on its side.
func (p *Prober) Location(ctx context.Context, ip netip.Addr) (loc string, err error) {
	key := ip.String()
	if cached, ok := p.geoCache.Get(key); ok {
		return cached.(string), nil
	}

	loc, err = p.fetchLocation(ctx, ip)
	if err != nil {
		return "", err
	}

	p.geoCache.Set(key, loc, gocache.DefaultExpiration)

	return loc, nil
}

// fetchLocation queries the geolocation service for ip.
func (p *Prober) fetchLocation(ctx context.Context, ip netip.Addr) (loc string, err error) {
	url := fmt.Sprintf(p.geoURLFormat, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying location: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("querying location: unexpected status %s", resp.Status)
	}

	var data geoResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, maxGeoBody)).Decode(&data)
	if err != nil {
		return "", fmt.Errorf("decoding location: %w", err)
	}

	if data.City == "" && data.Country == "" {
		return "", errNoLocation
	}

	return fmt.Sprintf("%s, %s", orUnknown(data.City), orUnknown(data.Country)), nil
}

// orUnknown substitutes a placeholder for an empty field.
func orUnknown(s string) (res string) {
	if s == "" {
		return "Unknown"
	}

	return s
}

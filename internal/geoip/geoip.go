package geoip

import (
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is what the bidder needs to know about an IP address.
type Location struct {
	Country string // ISO 3166-1 alpha-2, empty when unknown
	// Proxy is set for anonymous proxies and hosting ranges flagged by the database.
	Proxy bool
}

// GeoIP resolves IP addresses using a MaxMind DB or a JSON CIDR fallback.
// A nil *GeoIP resolves nothing.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net      *net.IPNet
	location Location
}

// Entry is one CIDR range of the JSON fallback format.
type Entry struct {
	Net     string `json:"net"`
	Country string `json:"country"`
	Proxy   bool   `json:"proxy,omitempty"`
}

// Init opens the GeoIP2 database at path. When the file is not a MaxMind
// database it is parsed as a JSON list of Entry values.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, err
	}
	var entries []Entry
	if jerr := json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	return FromEntries(entries), nil
}

// FromEntries builds a GeoIP backed only by the given ranges. Invalid CIDRs
// are skipped.
func FromEntries(entries []Entry) *GeoIP {
	g := &GeoIP{}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, record{
				net:      n,
				location: Location{Country: strings.ToUpper(e.Country), Proxy: e.Proxy},
			})
		}
	}
	return g
}

// Lookup resolves ip. The zero Location is returned when nothing matches.
func (g *GeoIP) Lookup(ip net.IP) Location {
	if g == nil || ip == nil {
		return Location{}
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil && rec.Country.IsoCode != "" {
			return Location{
				Country: rec.Country.IsoCode,
				Proxy:   rec.Traits.IsAnonymousProxy,
			}
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.location
		}
	}
	return Location{}
}

// Country returns the ISO country code for ip, or "".
func (g *GeoIP) Country(ip net.IP) string {
	return g.Lookup(ip).Country
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}

// alpha3 maps the OpenRTB (alpha-3) codes seen most often to alpha-2.
var alpha3 = map[string]string{
	"USA": "US", "CAN": "CA", "MEX": "MX", "BRA": "BR", "ARG": "AR",
	"GBR": "GB", "IRL": "IE", "FRA": "FR", "DEU": "DE", "ESP": "ES",
	"ITA": "IT", "NLD": "NL", "BEL": "BE", "CHE": "CH", "AUT": "AT",
	"SWE": "SE", "NOR": "NO", "DNK": "DK", "FIN": "FI", "POL": "PL",
	"PRT": "PT", "RUS": "RU", "UKR": "UA", "TUR": "TR", "IND": "IN",
	"CHN": "CN", "JPN": "JP", "KOR": "KR", "SGP": "SG", "AUS": "AU",
	"NZL": "NZ", "ZAF": "ZA", "IDN": "ID", "PHL": "PH", "VNM": "VN",
	"THA": "TH", "MYS": "MY", "ARE": "AE", "SAU": "SA", "ISR": "IL",
}

// NormalizeCountry converts an alpha-2 or known alpha-3 code to upper-case
// alpha-2. Unknown codes return "".
func NormalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch len(code) {
	case 2:
		return code
	case 3:
		return alpha3[code]
	default:
		return ""
	}
}

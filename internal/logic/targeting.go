package logic

import (
	"net"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/openbidder/internal/geoip"
	"github.com/patrickwarner/openbidder/internal/models"
)

// ResolveTargetingFromUA parses a raw User-Agent string into a
// TargetingContext using the uasurfer library.
func ResolveTargetingFromUA(uaString string) models.TargetingContext {
	if uaString == "" {
		return models.TargetingContext{}
	}
	u := uasurfer.Parse(uaString)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	case uasurfer.DeviceTV, uasurfer.DeviceConsole:
		deviceType = "tv"
	}

	os := ""
	if u.OS.Name != uasurfer.OSUnknown {
		os = strings.ToLower(strings.TrimPrefix(u.OS.Name.String(), "OS"))
	}
	browser := ""
	if u.Browser.Name != uasurfer.BrowserUnknown {
		browser = strings.ToLower(strings.TrimPrefix(u.Browser.Name.String(), "Browser"))
	}

	return models.TargetingContext{
		DeviceType: deviceType,
		OS:         os,
		Browser:    browser,
		IsBot:      u.IsBot(),
	}
}

// deviceTypeFromOpenRTB maps OpenRTB device type codes (list 5.21) for
// requests whose UA did not reveal the device.
func deviceTypeFromOpenRTB(code int) string {
	switch code {
	case 1, 4:
		return "mobile"
	case 2:
		return "desktop"
	case 3, 7:
		return "tv"
	case 5:
		return "tablet"
	default:
		return ""
	}
}

// ResolveTargeting derives the targeting context of a request from its
// device. The IP country wins over the country declared by the exchange.
func ResolveTargeting(g *geoip.GeoIP, device *models.Device) models.TargetingContext {
	if device == nil {
		return models.TargetingContext{}
	}
	ctx := ResolveTargetingFromUA(device.UA)
	if ctx.DeviceType == "" {
		ctx.DeviceType = deviceTypeFromOpenRTB(device.DeviceType)
	}
	if ctx.OS == "" && device.OS != "" {
		ctx.OS = strings.ToLower(device.OS)
	}
	if ip := DeviceIP(device); ip != nil {
		ctx.Country = g.Country(ip)
	}
	if ctx.Country == "" && device.Geo != nil {
		ctx.Country = geoip.NormalizeCountry(device.Geo.Country)
	}
	return ctx
}

// DeviceIP returns the parsed IPv4 address, falling back to IPv6.
func DeviceIP(device *models.Device) net.IP {
	if device == nil {
		return nil
	}
	if ip := net.ParseIP(device.IP); ip != nil {
		return ip
	}
	return net.ParseIP(device.IPv6)
}

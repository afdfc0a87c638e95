package models

// TargetingContext holds signals derived once per bid request and shared by
// every impression of that request: the parsed User-Agent and the country
// resolved from the device IP.
type TargetingContext struct {
	DeviceType string // "mobile", "desktop", "tablet", "tv" or "" when unknown
	OS         string // lower-case OS family, e.g. "ios", "android", "windows"
	Browser    string
	IsBot      bool
	Country    string // ISO 3166-1 alpha-2 from the IP, or the declared geo as a fallback
}

package utils

import (
	"net/url"

	"playback-edge/work/config"
)

// LogURL returns either the original URL or an obfuscated version for
// logging, depending on configuration. Probe and proxy targets can
// carry signed query tokens, so obfuscation is on by default.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps the scheme and host of a URL and masks the path,
// query, and fragment. The host stays visible because it is what
// operators need when correlating CDN incidents.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

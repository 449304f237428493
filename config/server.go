package config

import "strings"

const (
	LocalServerURL    = "ws://localhost:8081/"
	DeployedServerURL = "wss://voice-ind.onrender.com/"
)

// IsLocalHostname reports loopback, LAN and mDNS hosts.
func IsLocalHostname(host string) bool {
	return host == "localhost" ||
		host == "127.0.0.1" ||
		strings.HasPrefix(host, "192.168.") ||
		strings.HasSuffix(host, ".local")
}

// ResolveServerURL picks the voice server endpoint. An explicit custom URL
// wins when enabled, local hosts use the development server, and everything
// else uses envURL or the deployed default.
func ResolveServerURL(s Settings, host, envURL string) string {
	if s.UseDeployedServer && s.CustomServerURL != "" {
		return s.CustomServerURL
	}
	if IsLocalHostname(host) {
		return LocalServerURL
	}
	if envURL != "" {
		return envURL
	}
	return DeployedServerURL
}

package discovery

import (
	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/dukahub/dukasync/pkg/log"
)

// AdvertiseAddress resolves the host other nodes should dial for this one.
// An explicitly configured address wins; otherwise the first private
// interface address is used, then a public one, then loopback as the
// dev-mode fallback.
func AdvertiseAddress(configured string) string {
	if configured != "" {
		return configured
	}

	privateIP, err := sockaddr.GetPrivateIP()
	if err != nil {
		log.Logger.Warn().
			Err(err).
			Str("component", "discovery").
			Msg("could not query network interfaces")
	} else if privateIP != "" {
		return privateIP
	}

	publicIP, err := sockaddr.GetPublicIP()
	if err == nil && publicIP != "" {
		return publicIP
	}

	log.Logger.Warn().
		Str("component", "discovery").
		Msg("no routable interface address found, advertising loopback")
	return "127.0.0.1"
}

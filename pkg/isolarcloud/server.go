package isolarcloud

import "strings"

// Server identifies an iSolarCloud region.
type Server struct {
	Name string
	// GatewayURL hosts the OpenAPI endpoints.
	GatewayURL string
	// WebURL hosts the OAuth consent page.
	WebURL  string
	CloudID int
}

var (
	Asia = Server{
		Name:       "Asia",
		GatewayURL: "https://gateway.isolarcloud.com.hk",
		WebURL:     "https://web3.isolarcloud.com.hk",
		CloudID:    2,
	}
	Europe = Server{
		Name:       "Europe",
		GatewayURL: "https://gateway.isolarcloud.eu",
		WebURL:     "https://web3.isolarcloud.eu",
		CloudID:    3,
	}
	Australia = Server{
		Name:       "Australia",
		GatewayURL: "https://augateway.isolarcloud.com",
		WebURL:     "https://auweb3.isolarcloud.com",
		CloudID:    7,
	}
	NorthAmerica = Server{
		Name:       "NorthAmerica",
		GatewayURL: "https://usgateway.isolarcloud.com",
		WebURL:     "https://usweb3.isolarcloud.com",
		CloudID:    6,
	}
)

// ParseServer maps a region selector to a Server. Unknown values fall back
// to Europe.
func ParseServer(s string) Server {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "europe", "eu":
		return Europe
	case "asia", "cn", "china":
		return Asia
	case "australia", "au":
		return Australia
	case "northamerica", "na", "us", "usa":
		return NorthAmerica
	default:
		return Europe
	}
}

package registry

import (
	"fmt"
	"strings"
)

// ParseDestinations reads the "channel=addr1,addr2;channel2=addr3" form used
// by MEDIATOR_RPC_ROUTES.
func ParseDestinations(spec string, opts ChannelOptions) (map[string][]Destination, error) {
	result := make(map[string][]Destination)

	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		channel, addresses, found := strings.Cut(entry, "=")
		channel = strings.TrimSpace(channel)

		if !found || channel == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDestinations, entry)
		}

		for _, address := range strings.Split(addresses, ",") {
			address = strings.TrimSpace(address)
			if address == "" {
				continue
			}

			result[channel] = append(result[channel], Destination{Address: address, Options: opts})
		}

		if len(result[channel]) == 0 {
			return nil, fmt.Errorf("%w: no address for %s", ErrInvalidDestinations, channel)
		}
	}

	return result, nil
}

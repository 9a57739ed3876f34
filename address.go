package proactor

import (
	"net/netip"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	addressCacheCounters = 1 << 12
	addressCacheMaxCost  = 1 << 10
)

var (
	addressCache     *ristretto.Cache
	addressCacheOnce sync.Once
)

func sharedAddressCache() *ristretto.Cache {
	addressCacheOnce.Do(func() {
		addressCache = newAddressCache()
	})
	return addressCache
}

func newAddressCache() *ristretto.Cache {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: addressCacheCounters,
		MaxCost:     addressCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		log.Error().Msgf("can't init address cache, parsing every address: %+v", err)
		return nil
	}
	return cache
}

// resolveIPv4 turns a dotted-decimal address and a port into a sockaddr.
// Only literal IPv4 addresses are accepted; there is no name resolution.
func resolveIPv4(address string, port int) (*unix.SockaddrInet4, error) {
	if port < 0 || port > 0xffff {
		return nil, invalidArgument("invalid port: %d", port)
	}
	key := address + ":" + strconv.Itoa(port)
	cache := sharedAddressCache()
	if cache != nil {
		if cached, ok := cache.Get(key); ok {
			sa := *cached.(*unix.SockaddrInet4)
			return &sa, nil
		}
	}
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return nil, invalidArgument("invalid address: %s", address)
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr.As4()}
	if cache != nil {
		cached := *sa
		cache.Set(key, &cached, 1)
	}
	return sa, nil
}

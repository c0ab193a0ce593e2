package netlinkmgr

import (
	"context"
	"net"

	"golang.org/x/time/rate"

	"containerforge/internal/errs"
)

// AddrAllocator hands out successive /128 addresses from an IPv6 pool
// for containers whose NetConfig requests address assignment without
// a caller-supplied static address. Paced by a token-bucket limiter so
// a burst of container starts does not flood the host's neighbor table
// with simultaneous NDP traffic — the IPv6-address-allocation pacing
// named in SPEC_FULL.md §3's domain-stack table.
type AddrAllocator struct {
	base    *net.IPNet
	limiter *rate.Limiter
	next    uint64
}

// NewAddrAllocator builds an allocator over pool, admitting at most
// ratePerSec allocations per second with a burst of burst.
func NewAddrAllocator(pool *net.IPNet, ratePerSec float64, burst int) *AddrAllocator {
	return &AddrAllocator{
		base:    pool,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Next blocks until the limiter admits another allocation, then
// returns the next sequential address in the pool.
func (a *AddrAllocator) Next(ctx context.Context) (net.IP, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errs.Transientf("AddrAllocator.Next", err, "rate limit wait")
	}
	ip := addOffset(a.base.IP, a.next)
	a.next++
	ones, bits := a.base.Mask.Size()
	if !a.base.Contains(ip) {
		return nil, errs.NoSpacef("AddrAllocator.Next", nil, a.base.String())
	}
	_ = ones
	_ = bits
	return ip, nil
}

func addOffset(ip net.IP, offset uint64) net.IP {
	ip16 := ip.To16()
	out := make(net.IP, len(ip16))
	copy(out, ip16)
	for i := len(out) - 1; i >= 0 && offset > 0; i-- {
		sum := uint64(out[i]) + offset
		out[i] = byte(sum & 0xff)
		offset = sum >> 8
	}
	return out
}

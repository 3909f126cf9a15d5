package pspproxy

import (
	"fmt"

	"github.com/danmuck/pspproxy/internal/scratch"
)

// ScratchAlloc reserves cb bytes of the PSP-side scratch region and
// returns their PSP address. The free list is initialized lazily from the
// region the stub advertised during the handshake.
func (p *Proxy) ScratchAlloc(cb uint32) (PSPAddr, error) {
	if cb == 0 {
		return 0, fmt.Errorf("%w: zero-sized scratch allocation", ErrArgument)
	}
	if p.scratch == nil {
		info, err := p.eng.QueryInfo()
		if err != nil {
			return 0, err
		}
		p.scratch = scratch.New(uint32(info.PspAddrScratch), info.CbScratch)
	}
	addr, err := p.scratch.Alloc(cb)
	if err != nil {
		return 0, err
	}
	return PSPAddr(addr), nil
}

// ScratchFree returns a scratch range obtained from ScratchAlloc.
func (p *Proxy) ScratchFree(addr PSPAddr, cb uint32) error {
	if p.scratch == nil {
		return fmt.Errorf("%w: free without allocation", ErrArgument)
	}
	return p.scratch.Free(uint32(addr), cb)
}

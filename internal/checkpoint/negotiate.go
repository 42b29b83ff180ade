package checkpoint

import (
	"fmt"
	"io"
)

// NegotiateColo runs the one-byte capability handshake that precedes the
// five-tag checkpoint protocol on a freshly accepted/dialed connection:
// each side writes a single byte saying whether it wants COLO, then reads
// the peer's byte. Grounded on migration/colo-comm.c's colo_info_save /
// colo_info_load pair, which exchanges the same single byte through the
// savevm stream rather than a dedicated round trip; request is the local
// side's migrate_enable_colo() equivalent. The returned bool is true only
// when both sides requested it, matching loadvm_enable_colo()'s use of the
// value it read rather than its own intent.
func NegotiateColo(rw io.ReadWriter, request bool) (bool, error) {
	var out [1]byte
	if request {
		out[0] = 1
	}
	if _, err := rw.Write(out[:]); err != nil {
		return false, fmt.Errorf("checkpoint: negotiate colo: write: %w", err)
	}

	var in [1]byte
	if _, err := io.ReadFull(rw, in[:]); err != nil {
		return false, fmt.Errorf("checkpoint: negotiate colo: read: %w", err)
	}

	return request && in[0] != 0, nil
}

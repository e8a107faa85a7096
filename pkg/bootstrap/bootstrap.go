// Package bootstrap implements the handshake payload a freshly spawned
// transport exchanges before framed connection messaging begins.
//
// The original ships a self-extracting source payload (boot.py's
// BootImporter.bootstrap): a trampoline that installs an importer capable of
// satisfying any import the child performs, followed by a call to an
// initialization function whose arguments were pickled inline
// (remoting/conn/fork.py's fork_conn_init). Go has no runtime code loading,
// so there is nothing to ship except data: a Manifest naming the type ids
// both peers must agree on (pkg/registry), the environment to apply, and the
// name of the entry point the child should run once the handshake completes
// - the compiled-in equivalent of "which function to call with which
// arguments" the original pickled into the trampoline. See SPEC_FULL.md §4.
package bootstrap

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/fluxorio/corevm/pkg/registry"
)

// ProtocolVersion guards against a stale re-exec'd binary speaking a
// different manifest shape than its parent.
const ProtocolVersion = 1

// Manifest is the handshake payload, sent once over a freshly spawned
// transport's stdin before any framed Connection traffic.
type Manifest struct {
	ProtocolVersion int
	TypeIDs         []string
	Environ         []string
	MainEntry       string
	Nonce           uuid.UUID
}

// New builds a Manifest advertising reg's current type ids. mainEntry names
// the EntryFunc (see RegisterEntry) the peer should run once the handshake
// completes - fork.py's pickled (init, args, kwargs) tuple collapses, in a
// compiled language, to naming a function both binaries already have.
func New(reg *registry.Registry, mainEntry string, environ []string) Manifest {
	return Manifest{
		ProtocolVersion: ProtocolVersion,
		TypeIDs:         reg.IDs(),
		Environ:         environ,
		MainEntry:       mainEntry,
		Nonce:           uuid.New(),
	}
}

// Write encodes m as a length-prefixed gob frame, matching the wire format
// pkg/expr and pkg/conn already use for their own gob payloads so both ends
// of a handshake share one serialization story.
func Write(w io.Writer, m Manifest) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("bootstrap: encode manifest: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(buf.Len()))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("bootstrap: write manifest length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("bootstrap: write manifest: %w", err)
	}
	return nil
}

// Read decodes a Manifest previously written by Write. It reads r directly
// with io.ReadFull rather than through a buffered reader: r is typically a
// pipe or socket a framed Connection reads from immediately afterward, and
// a bufio.Reader would risk silently absorbing the first framed message's
// bytes into a buffer this function then discards.
func Read(r io.Reader) (Manifest, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Manifest{}, fmt.Errorf("bootstrap: read manifest length: %w", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Manifest{}, fmt.Errorf("bootstrap: read manifest: %w", err)
	}
	var m Manifest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("bootstrap: decode manifest: %w", err)
	}
	return m, nil
}

// Verify checks m against the local registry, failing the connection rather
// than trying to satisfy an unknown type id by fetching code (the behavior
// this replaces, per the original's find_class importing whatever module it
// needed on demand). Extra ids known locally but absent from the peer's
// manifest are fine - the peer simply won't ever send that type.
func (m Manifest) Verify(local *registry.Registry) error {
	if m.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("bootstrap: protocol version mismatch: peer %d, local %d",
			m.ProtocolVersion, ProtocolVersion)
	}
	var missing []string
	for _, id := range m.TypeIDs {
		if _, ok := local.Lookup(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("bootstrap: peer advertises %d unregistered type id(s): %v", len(missing), missing)
	}
	return nil
}

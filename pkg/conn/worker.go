package conn

import (
	"fmt"
	"os"

	"github.com/fluxorio/corevm/pkg/bootstrap"
	"github.com/fluxorio/corevm/pkg/config"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/registry"
	"github.com/fluxorio/corevm/pkg/stream"
)

// RunForkWorker is the child-side half of the handshake: it reads and
// verifies the bootstrap.Manifest a ProcessTransport wrote to this process's
// stdin, applies the carried environment, and runs the named EntryFunc.
// A binary spawned by NewForkTransport/NewShellTransport/NewSSHTransport
// calls this from main before doing anything else with its stdio - once it
// returns, the Manifest bytes are gone from stdin and whatever EntryFunc it
// invoked is expected to build its own Connection via WorkerMain, reading
// nothing further from stdin except framed traffic.
func RunForkWorker(reg *registry.Registry) error {
	manifest, err := bootstrap.Read(os.Stdin)
	if err != nil {
		return fmt.Errorf("conn: read manifest: %w", err)
	}
	if err := manifest.Verify(reg); err != nil {
		return fmt.Errorf("conn: verify manifest: %w", err)
	}
	for _, kv := range manifest.Environ {
		if err := applyEnviron(kv); err != nil {
			return fmt.Errorf("conn: apply environ %q: %w", kv, err)
		}
	}
	return bootstrap.RunEntry(manifest.MainEntry)
}

func applyEnviron(kv string) error {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return os.Setenv(kv[:i], kv[i+1:])
		}
	}
	return fmt.Errorf("malformed entry %q", kv)
}

// WorkerMain builds and connects a Connection over this process's own
// stdin/stdout, the shape every EntryFunc registered for a ProcessTransport
// child is expected to call once RunForkWorker has already consumed the
// manifest handshake. It does not read the manifest itself - that already
// happened before RunEntry invoked the EntryFunc that calls this.
func WorkerMain(h *hub.Hub, core *reactor.Core, reg *registry.Registry) cont.Continuation[*Connection] {
	c := New(Options{Hub: h, Core: core, Registry: reg})
	return c.Connect(StreamTransport{
		Reader: stream.Wrap(os.Stdin),
		Writer: stream.Wrap(os.Stdout),
	})
}

// WorkerMainFromConfig is WorkerMain with the Connection's BufSize taken
// from cfg.BufSize, the PRETZEL_BUFSIZE-derived setting loaded by
// config.LoadCorevmConfig, instead of falling back to stream.DefaultBufSize.
func WorkerMainFromConfig(cfg config.Config, h *hub.Hub, core *reactor.Core, reg *registry.Registry) cont.Continuation[*Connection] {
	c := New(Options{Hub: h, Core: core, Registry: reg, BufSize: cfg.BufSize})
	return c.Connect(StreamTransport{
		Reader: stream.Wrap(os.Stdin),
		Writer: stream.Wrap(os.Stdout),
	})
}

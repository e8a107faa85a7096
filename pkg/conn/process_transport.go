package conn

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/fluxorio/corevm/pkg/bootstrap"
	"github.com/fluxorio/corevm/pkg/config"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/dispose"
	"github.com/fluxorio/corevm/pkg/process"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/registry"
	"github.com/fluxorio/corevm/pkg/result"
)

// ProcessTransport spawns a child process and speaks the framed protocol
// over its stdin/stdout, sending a bootstrap.Manifest first so the child
// knows which registered entry point to run and which type ids to expect.
// Grounded on fork.py/shell.py's do_connect: spawn, write the init payload,
// hand the remaining pipe pair to the Connection.
type ProcessTransport struct {
	Command   []string
	Shell     bool
	Environ   []string
	MainEntry string
	Registry  *registry.Registry
	Core      *reactor.Core
	Kind      string // recorded in Connection.Flags under "type"

	// KillDelay overrides process.DefaultKillDelay for the spawned child.
	// Zero means "use process.DefaultKillDelay"; set from config.Config.KillDelay
	// by the *FromConfig constructors below.
	KillDelay time.Duration
}

// Connect spawns the child, writes the handshake manifest over its stdin,
// and returns the pipe pair for Connection to frame its own traffic over.
func (t ProcessTransport) Connect(c *Connection) cont.Continuation[StreamPair] {
	return cont.New(func(ret cont.Ret[StreamPair]) {
		proc, err := process.Spawn(process.Options{
			Command:   t.Command,
			Shell:     t.Shell,
			Environ:   t.Environ,
			Stdin:     process.PIPE,
			Stdout:    process.PIPE,
			Core:      t.Core,
			KillDelay: t.KillDelay,
		})
		if err != nil {
			ret(result.FromError[StreamPair](fmt.Errorf("conn: spawn %v: %w", t.Command, err)))
			return
		}

		manifest := bootstrap.New(t.Registry, t.MainEntry, t.Environ)
		raw, err := manifestBytes(manifest)
		if err != nil {
			proc.Dispose()
			ret(result.FromError[StreamPair](fmt.Errorf("conn: encode manifest: %w", err)))
			return
		}

		writeCh := make(chan result.Result[int], 1)
		proc.Stdin().Write(raw).Run(func(r result.Result[int]) { writeCh <- r })
		if r := <-writeCh; r.IsError() {
			proc.Dispose()
			ret(result.FromError[StreamPair](fmt.Errorf("conn: write manifest: %w", r.Error())))
			return
		}

		flushCh := make(chan result.Result[struct{}], 1)
		proc.Stdin().Flush().Run(func(r result.Result[struct{}]) { flushCh <- r })
		if r := <-flushCh; r.IsError() {
			proc.Dispose()
			ret(result.FromError[StreamPair](fmt.Errorf("conn: flush manifest: %w", r.Error())))
			return
		}

		c.setFlag("pid", proc.Pid())
		c.setFlag("type", t.Kind)
		dispose.Add[dispose.Disposable](c.disp, proc)

		ret(result.Value(StreamPair{Reader: proc.Stdout(), Writer: proc.Stdin()}))
	})
}

// manifestBytes encodes m the same way bootstrap.Write does, returning the
// raw bytes so they can go through a Stream's own Write/Flush continuation
// instead of a bare io.Writer.
func manifestBytes(m bootstrap.Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := bootstrap.Write(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewForkTransport builds a ProcessTransport that re-execs the current
// binary (os.Args[0]) with no extra arguments, relying on mainEntry alone
// (via the manifest) to tell the child which registered EntryFunc to run -
// fork.py's "fork a copy of the interpreter" reinterpreted for a compiled
// program that cannot literally fork into new Go code.
func NewForkTransport(mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	return ProcessTransport{
		Command:   []string{os.Args[0]},
		MainEntry: mainEntry,
		Registry:  reg,
		Core:      core,
		Kind:      "fork",
	}
}

// NewForkTransportFromConfig is NewForkTransport with its KillDelay taken
// from cfg instead of defaulting to process.DefaultKillDelay.
func NewForkTransportFromConfig(cfg config.Config, mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	t := NewForkTransport(mainEntry, reg, core)
	t.KillDelay = cfg.KillDelay
	return t
}

// NewShellTransport builds a ProcessTransport that runs an arbitrary command
// line, typically another corevm-based binary, or the same one on a remote
// host reached by some wrapper the caller composes (e.g. an ssh prefix)
// Grounded on shell.py's ShellConnection.
func NewShellTransport(command []string, mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	return ProcessTransport{
		Command:   command,
		MainEntry: mainEntry,
		Registry:  reg,
		Core:      core,
		Kind:      "shell",
	}
}

// NewShellTransportFromConfig is NewShellTransport with its KillDelay taken
// from cfg instead of defaulting to process.DefaultKillDelay.
func NewShellTransportFromConfig(cfg config.Config, command []string, mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	t := NewShellTransport(command, mainEntry, reg, core)
	t.KillDelay = cfg.KillDelay
	return t
}

// SSHOptions configures NewSSHTransport.
type SSHOptions struct {
	Host       string
	Port       int
	Identity   string
	RemotePath string // path to the corevm binary on the remote host
}

// NewSSHTransport builds a ProcessTransport that runs the remote binary over
// an ssh(1) subprocess in batch mode, one hop only - grounded on ssh.py's
// SSHConnection, minus its recursive SSH-of-SSH tree bootstrapping (out of
// scope, see SPEC_FULL.md §5/§6).
func NewSSHTransport(opts SSHOptions, mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	args := []string{"ssh", "-A", "-C", "-T", "-o", "BatchMode=yes"}
	if opts.Identity != "" {
		args = append(args, "-i", opts.Identity)
	}
	if opts.Port != 0 {
		args = append(args, "-p", fmt.Sprint(opts.Port))
	}
	remote := opts.RemotePath
	if remote == "" {
		remote = "corevm-worker"
	}
	args = append(args, opts.Host, remote)
	return ProcessTransport{
		Command:   args,
		MainEntry: mainEntry,
		Registry:  reg,
		Core:      core,
		Kind:      "ssh",
	}
}

// NewSSHTransportFromConfig is NewSSHTransport with any zero-valued field of
// opts filled in from cfg.SSH, and KillDelay taken from cfg.KillDelay - the
// call site only needs to override what's specific to one target host (e.g.
// Host), leaving Identity/Port/RemotePath to the shared config.
func NewSSHTransportFromConfig(cfg config.Config, opts SSHOptions, mainEntry string, reg *registry.Registry, core *reactor.Core) ProcessTransport {
	if opts.Host == "" {
		opts.Host = cfg.SSH.Host
	}
	if opts.Port == 0 {
		opts.Port = cfg.SSH.Port
	}
	if opts.Identity == "" {
		opts.Identity = cfg.SSH.Identity
	}
	if opts.RemotePath == "" {
		opts.RemotePath = cfg.SSH.RemotePath
	}
	t := NewSSHTransport(opts, mainEntry, reg, core)
	t.KillDelay = cfg.KillDelay
	return t
}

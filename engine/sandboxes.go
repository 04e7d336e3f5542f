package engine

import (
	"context"
	"maps"
	"path"
	"strconv"
	"time"

	"github.com/isdmx/pybox/pool"
	"github.com/isdmx/pybox/sandbox"
)

// PoolFactory returns a pool.Factory that starts idle sandboxes from tmpl.
func PoolFactory(rt sandbox.Runtime, tmpl sandbox.CreateOptions, networkDisabled bool) pool.Factory {
	return func(ctx context.Context) (*sandbox.Handle, error) {
		opts := tmpl
		opts.Command = []string{"sleep", "infinity"}
		opts.NetworkMode = sandbox.NetworkNone
		if !networkDisabled {
			opts.NetworkMode = sandbox.NetworkBridge
		}
		opts.Labels = maps.Clone(tmpl.Labels)
		if opts.Labels == nil {
			opts.Labels = make(map[string]string)
		}
		opts.Labels[sandbox.LabelPooled] = "true"
		opts.Labels[sandbox.LabelCreated] = strconv.FormatInt(time.Now().Unix(), 10)
		opts.Labels[sandbox.LabelNetworkDisabled] = strconv.FormatBool(networkDisabled)

		return sandbox.Create(ctx, rt, opts)
	}
}

// ResetCommand returns the command that returns a pooled sandbox to a clean
// state: stray interpreters are killed and the working directory emptied.
// Processes are found through /proc so slim images without procps work.
func ResetCommand(pythonBin, workingDir string) []string {
	dir := path.Clean(workingDir)
	name := path.Base(pythonBin)
	return []string{
		"sh", "-c",
		"for p in /proc/[0-9]*; do " +
			"case \"$(cat \"$p/comm\" 2>/dev/null)\" in " + name + "*) kill -9 \"${p#/proc/}\" 2>/dev/null;; esac; " +
			"done; rm -rf " + dir + "/* " + dir + "/.[!.]*",
	}
}

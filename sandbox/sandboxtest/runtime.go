package sandboxtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/isdmx/pybox/protocol"
	"github.com/isdmx/pybox/sandbox"
)

// ExitKilled is the exit code reported for a stopped process.
const ExitKilled = 137

// ExecCall records one Exec.
type ExecCall struct {
	ContainerID string
	Cmd         []string
	Opts        sandbox.ExecOptions
}

// Container is one fake sandbox.
type Container struct {
	ID   string
	Opts sandbox.CreateOptions

	running  bool
	mainRun  bool
	exitCode int
	stdout   string
	stderr   string
	networks map[string]bool

	killOnce sync.Once
	killed   chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	nsMu      sync.Mutex
	namespace map[string]any
}

func (c *Container) kill() { c.killOnce.Do(func() { close(c.killed) }) }

func (c *Container) finish() { c.doneOnce.Do(func() { close(c.done) }) }

// Runtime is an in-memory sandbox.Runtime. It is safe for concurrent use.
type Runtime struct {
	// CreateFunc, when set, runs before every create; an error fails it.
	CreateFunc func(opts sandbox.CreateOptions) error
	// ExecFunc, when set, sees every command first, including the main
	// command of a run-to-completion container. It returns handled=false to
	// fall through to the default behaviour.
	ExecFunc func(c *Container, cmd []string) (res sandbox.ExecResult, handled bool, err error)
	// ConnectErr and DisconnectErr fail network changes.
	ConnectErr    error
	DisconnectErr error

	mu         sync.Mutex
	containers map[string]*Container
	created    map[string]sandbox.CreateOptions
	nextID     int
	creates    int
	removed    []string
	execs      []ExecCall
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		created:    make(map[string]sandbox.CreateOptions),
	}
}

func (r *Runtime) Create(_ context.Context, opts sandbox.CreateOptions) (string, error) {
	if r.CreateFunc != nil {
		if err := r.CreateFunc(opts); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.nextID++
	r.creates++
	c := &Container{
		ID:        fmt.Sprintf("fake%060d", r.nextID),
		Opts:      opts,
		running:   true,
		networks:  make(map[string]bool),
		killed:    make(chan struct{}),
		done:      make(chan struct{}),
		namespace: make(map[string]any),
	}
	if opts.NetworkMode != "" && opts.NetworkMode != sandbox.NetworkNone {
		c.networks[opts.NetworkMode] = true
	}
	c.mainRun = len(opts.Command) > 0 && opts.Command[0] != "sleep"
	r.containers[c.ID] = c
	r.created[c.ID] = opts
	r.mu.Unlock()

	if c.mainRun {
		go r.runMain(c)
	}
	return c.ID, nil
}

func (r *Runtime) runMain(c *Container) {
	ctx, cancel := killContext(context.Background(), c)
	defer cancel()

	res, err := r.handle(ctx, c, c.Opts.Command)

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-c.killed:
		c.exitCode = ExitKilled
	default:
		c.exitCode = res.ExitCode
		if err != nil {
			c.exitCode = 1
			res.Stderr += err.Error()
		}
	}
	c.stdout, c.stderr = res.Stdout, res.Stderr
	c.running = false
	c.finish()
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return sandbox.ExecResult{ExitCode: -1}, fmt.Errorf("exec %s: %w", id, sandbox.ErrNotFound)
	}
	running := c.running
	r.execs = append(r.execs, ExecCall{ContainerID: id, Cmd: append([]string(nil), cmd...), Opts: opts})
	r.mu.Unlock()

	if !running {
		return sandbox.ExecResult{ExitCode: -1}, fmt.Errorf("container %s is not running", id)
	}

	execCtx, cancel := killContext(ctx, c)
	defer cancel()

	res, err := r.handle(execCtx, c, cmd)
	if ctx.Err() != nil {
		return sandbox.ExecResult{ExitCode: -1}, ctx.Err()
	}
	select {
	case <-c.killed:
		return sandbox.ExecResult{ExitCode: ExitKilled, Stdout: res.Stdout}, nil
	default:
	}
	return res, err
}

func (r *Runtime) handle(ctx context.Context, c *Container, cmd []string) (sandbox.ExecResult, error) {
	if r.ExecFunc != nil {
		if res, handled, err := r.ExecFunc(c, cmd); handled {
			return res, err
		}
	}
	if len(cmd) == 3 && cmd[1] == "-c" && strings.HasPrefix(cmd[0], "python") {
		return runPayload(ctx, c, cmd[2]), nil
	}
	for _, arg := range cmd {
		if strings.Contains(arg, "rm -rf") || strings.HasSuffix(arg, ".pkl") {
			c.nsMu.Lock()
			c.namespace = make(map[string]any)
			c.nsMu.Unlock()
			break
		}
	}
	return sandbox.ExecResult{}, nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	c, err := r.get(id)
	if err != nil {
		return -1, err
	}
	select {
	case <-c.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return c.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (r *Runtime) Logs(_ context.Context, id string) (stdout, stderr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", "", fmt.Errorf("logs %s: %w", id, sandbox.ErrNotFound)
	}
	return c.stdout, c.stderr, nil
}

func (r *Runtime) Stop(_ context.Context, id string, _ time.Duration) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}
	c.kill()

	r.mu.Lock()
	mainRun := c.mainRun
	if !mainRun {
		c.running = false
		c.exitCode = ExitKilled
		c.finish()
	}
	r.mu.Unlock()

	if mainRun {
		<-c.done
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	running := c.running
	r.mu.Unlock()
	if running {
		if !force {
			return fmt.Errorf("container %s is running", id)
		}
		if err := r.Stop(ctx, id, 0); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	r.removed = append(r.removed, id)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, id string) (sandbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return sandbox.Status{}, fmt.Errorf("inspect %s: %w", id, sandbox.ErrNotFound)
	}
	st := sandbox.Status{Status: "exited", Running: c.running, ExitCode: c.exitCode}
	if c.running {
		st.Status = "running"
	}
	for name := range c.networks {
		st.Networks = append(st.Networks, name)
	}
	sort.Strings(st.Networks)
	return st, nil
}

func (r *Runtime) ConnectNetwork(_ context.Context, id, network string) error {
	if r.ConnectErr != nil {
		return r.ConnectErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("connect %s: %w", id, sandbox.ErrNotFound)
	}
	c.networks[network] = true
	return nil
}

func (r *Runtime) DisconnectNetwork(_ context.Context, id, network string) error {
	if r.DisconnectErr != nil {
		return r.DisconnectErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("disconnect %s: %w", id, sandbox.ErrNotFound)
	}
	if !c.networks[network] {
		return fmt.Errorf("container %s is not connected to network %s", id, network)
	}
	delete(c.networks, network)
	return nil
}

func (r *Runtime) get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	return c, nil
}

// CreateCount returns how many containers were created.
func (r *Runtime) CreateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// Live returns the ids of containers that have not been removed.
func (r *Runtime) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.containers))
	for id := range r.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exists reports whether a container is still present.
func (r *Runtime) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[id]
	return ok
}

// Removed returns the ids of removed containers in removal order.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// Execs returns every recorded exec.
func (r *Runtime) Execs() []ExecCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecCall(nil), r.execs...)
}

// Options returns the create options of a container, including removed ones.
func (r *Runtime) Options(id string) (sandbox.CreateOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts, ok := r.created[id]
	return opts, ok
}

// Networks returns the networks a container is attached to.
func (r *Runtime) Networks(id string) []string {
	st, err := r.Inspect(context.Background(), id)
	if err != nil {
		return nil
	}
	return st.Networks
}

// Namespace returns a copy of a container's persistent namespace.
func (r *Runtime) Namespace(id string) map[string]any {
	c, err := r.get(id)
	if err != nil {
		return nil
	}
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	out := make(map[string]any, len(c.namespace))
	for k, v := range c.namespace {
		out[k] = v
	}
	return out
}

// killContext returns a context that is also cancelled when c is stopped.
func killContext(parent context.Context, c *Container) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.killed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

var literalRe = regexp.MustCompile(`(?m)^_(SOURCE|STATE) = "([A-Za-z0-9+/=]*)"$`)

func payloadLiterals(payload string) map[string]string {
	out := make(map[string]string)
	for _, m := range literalRe.FindAllStringSubmatch(payload, -1) {
		raw, err := base64.StdEncoding.DecodeString(m[2])
		if err == nil {
			out[m[1]] = string(raw)
		}
	}
	return out
}

func runPayload(ctx context.Context, c *Container, payload string) sandbox.ExecResult {
	lits := payloadLiterals(payload)
	source, ok := lits["SOURCE"]
	if !ok {
		return sandbox.ExecResult{ExitCode: 2, Stderr: "stub: unrecognised payload"}
	}

	var ns map[string]any
	if strings.Contains(payload, "\n_STORE = ") {
		c.nsMu.Lock()
		defer c.nsMu.Unlock()
		ns = c.namespace
	} else {
		ns = make(map[string]any)
		if state := lits["STATE"]; state != "" {
			dec := json.NewDecoder(strings.NewReader(state))
			dec.UseNumber()
			if err := dec.Decode(&ns); err != nil {
				return sandbox.ExecResult{ExitCode: 1, Stderr: "stub: bad state: " + err.Error()}
			}
		}
	}

	stdout, errText := Interpret(ctx, ns, source)

	result := map[string]any{
		"stdout": stdout,
		"stderr": "",
		"error":  nil,
		"state":  ns,
	}
	if errText != "" {
		result["error"] = errText
	}
	body, err := json.Marshal(result)
	if err != nil {
		return sandbox.ExecResult{ExitCode: 1, Stderr: "stub: " + err.Error()}
	}

	return sandbox.ExecResult{
		Stdout: "stub interpreter ready\n" + protocol.StartMarker + "\n" + string(body) + "\n" + protocol.EndMarker + "\n",
	}
}

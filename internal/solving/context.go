package solving

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/cnftree"
	"github.com/dreamware/paracooba/internal/engine"
	"github.com/dreamware/paracooba/internal/factory"
	"github.com/dreamware/paracooba/internal/metrics"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/task"
)

var (
	// ErrNotReady is returned for work arriving before the context has
	// its formula and allowance map.
	ErrNotReady = errors.New("solving: context not ready")

	// ErrState is returned for a step that does not fit the current state.
	ErrState = errors.New("solving: unexpected context state")
)

// minAutoStop keeps trivial solves from being resplit over and over.
const minAutoStop = 50 * time.Millisecond

const (
	// replyRetries bounds how often a result report is sent again after
	// its transfer failed.
	replyRetries = 5
	// defaultRetryDelay is used when Options.RetryDelay is zero.
	defaultRetryDelay = 100 * time.Millisecond
)

// JobSender delivers job messages to peers. Implementations must not block.
type JobSender interface {
	SendJob(peer int64, msg cluster.JobMessage, done func(error))
}

// Options configures a Context.
type Options struct {
	// Self is the local node id, Originator the node owning the formula.
	Self       int64
	Originator int64
	// Cutoff is the frequency cuber cutoff.
	Cutoff float64
	// AutoStopFactor bounds a solve to this multiple of the average solve
	// time before it is split again. Zero disables it.
	AutoStopFactor float64
	Sender         JobSender
	// RetryDelay is the pause before a failed result report is sent again.
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
	// OnStateChange is called after every state transition.
	OnStateChange func(originator int64, st cluster.ContextState)
}

// Info is a snapshot for status reports.
type Info struct {
	Originator int64      `json:"originator"`
	State      string     `json:"state"`
	Queue      int        `json:"queue"`
	Tasks      task.Stats `json:"tasks"`
	Result     string     `json:"result,omitempty"`
}

// Context holds everything one node knows about solving one originator's
// formula: the parsed formula, the cuber, the task store, the tree and the
// factory feeding them.
type Context struct {
	logger  logrus.FieldLogger
	opts    Options
	store   *task.Store
	tree    *cnftree.Tree
	factory *factory.Factory

	formula          *engine.Formula
	cuber            *engine.Cuber
	pendingInit      *cluster.JobInitiator
	state            cluster.ContextState
	remote           map[path.Path]int64
	replies          map[path.Path]int64
	model            []int
	result           engine.Status
	solves           int64
	solveTime        time.Duration
	lastActive       time.Time
	mu               sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a context in the Initializing state.
func New(logger logrus.FieldLogger, opts Options) *Context {
	logger = logger.WithField("originator", opts.Originator)
	c := &Context{
		logger:     logger,
		opts:       opts,
		store:      task.NewStore(logger),
		tree:       cnftree.New(),
		remote:     make(map[path.Path]int64),
		replies:    make(map[path.Path]int64),
		state:      cluster.Initializing,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	c.factory = factory.New(logger, c.store, c.tree, c.produce)
	c.store.OnDone(c.taskDone)
	c.tree.OnRootResolved(func(s cnftree.State) {
		if !c.IsOriginator() {
			return
		}
		if s == cnftree.SAT {
			c.finish(task.SAT)
		} else {
			c.finish(task.UNSAT)
		}
	})
	return c
}

// Originator is the id of the node that owns the formula.
func (c *Context) Originator() int64 { return c.opts.Originator }

// IsOriginator reports whether the local node owns the formula.
func (c *Context) IsOriginator() bool { return c.opts.Originator == c.opts.Self }

// State returns the preparation state.
func (c *Context) State() cluster.ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(st cluster.ContextState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.logger.WithField("state", st.String()).Debug("context state changed")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c.opts.Originator, st)
	}
}

// SetFormula parses the originator's formula. A second formula for the
// same context is ignored.
//
// Returns:
//   - error: wraps engine.ErrParse or engine.ErrMissingInput; the context
//     then stays in ParseError
func (c *Context) SetFormula(raw []byte) error {
	if st := c.State(); st != cluster.Initializing {
		c.logger.WithField("state", st.String()).Debug("ignoring repeated formula")
		return nil
	}
	c.setState(cluster.FormulaReceived)

	f, err := engine.Parse(raw)
	if err != nil {
		c.setState(cluster.ParseError)
		return fmt.Errorf("solving: formula of %d: %w", c.opts.Originator, err)
	}
	c.mu.Lock()
	c.formula = f
	pending := c.pendingInit
	c.pendingInit = nil
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"variables": f.Vars(),
		"clauses":   f.Clauses(),
	}).Info("formula parsed")
	c.setState(cluster.FormulaParsed)

	if pending != nil {
		return c.SetInitiator(*pending)
	}
	return nil
}

// SetAllowanceMap installs the originator's variable ranking, making the
// context Ready. A map arriving before the formula is kept until the
// formula is parsed.
func (c *Context) SetAllowanceMap(allowance []int) error {
	return c.SetInitiator(cluster.JobInitiator{AllowanceMap: allowance})
}

// SetInitiator installs the originator's cubing setup, making the context
// Ready. With a cube list the listed cubes are used, otherwise the
// allowance map. An initiator arriving before the formula is kept until
// the formula is parsed.
func (c *Context) SetInitiator(ji cluster.JobInitiator) error {
	ji = cluster.JobInitiator{
		AllowanceMap: slices.Clone(ji.AllowanceMap),
		Cubes:        slices.Clone(ji.Cubes),
	}
	switch c.State() {
	case cluster.Initializing, cluster.FormulaReceived:
		c.mu.Lock()
		c.pendingInit = &ji
		c.mu.Unlock()
		return nil
	case cluster.FormulaParsed:
	case cluster.Ready, cluster.AllowanceMapReceived:
		return nil
	default:
		return fmt.Errorf("%w: initiator in state %s", ErrState, c.State())
	}
	c.setState(cluster.AllowanceMapReceived)
	c.mu.Lock()
	if len(ji.Cubes) > 0 {
		c.cuber = engine.NewPregeneratedCuber(c.formula, ji.Cubes, ji.AllowanceMap)
	} else {
		c.cuber = engine.NewCuber(c.formula, ji.AllowanceMap, c.opts.Cutoff)
	}
	c.mu.Unlock()
	c.setState(cluster.Ready)
	return nil
}

// Start makes the originator's context Ready and queues the root. Cubes
// listed in the formula take precedence over the frequency ranking.
func (c *Context) Start() error {
	if !c.IsOriginator() {
		return fmt.Errorf("%w: only the originator starts solving", ErrState)
	}
	if st := c.State(); st != cluster.FormulaParsed {
		return fmt.Errorf("%w: start in state %s", ErrState, st)
	}
	c.mu.Lock()
	ji := cluster.JobInitiator{
		AllowanceMap: c.formula.AllowanceMap(),
		Cubes:        c.formula.Cubes(),
	}
	c.mu.Unlock()
	if err := c.SetInitiator(ji); err != nil {
		return err
	}
	c.factory.AddPath(path.Root, factory.CubeOrSolve, c.opts.Originator, task.Nil, nil)
	return nil
}

// AllowanceMap returns the ranking peers need, nil before Ready.
func (c *Context) AllowanceMap() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cuber == nil {
		return nil
	}
	return c.cuber.AllowanceMap()
}

// Initiator returns what a peer needs to cube like this context.
func (c *Context) Initiator() cluster.JobInitiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cuber == nil {
		return cluster.JobInitiator{}
	}
	return cluster.JobInitiator{
		AllowanceMap: c.cuber.AllowanceMap(),
		Cubes:        c.cuber.Cubes(),
	}
}

// AddRemotePath queues a sub-problem a peer handed to us. Its result is
// reported back to from once known. Paths that are already resolved here
// are answered immediately.
func (c *Context) AddRemotePath(p path.Path, cube []int, from int64) error {
	if st := c.State(); st != cluster.Ready {
		return fmt.Errorf("%w: path %s in state %s", ErrNotReady, p, st)
	}
	if !p.Valid() {
		return fmt.Errorf("%w: %s", path.ErrInvalidPath, p)
	}
	c.touch()
	c.opts.Metrics.Offloaded("in")
	if c.tree.Resolved(p) {
		r := task.Unsolved
		switch c.tree.GetState(p) {
		case cnftree.SAT:
			r = task.SAT
		case cnftree.UNSAT:
			r = task.UNSAT
		}
		c.reply(from, p, r)
		return nil
	}
	c.mu.Lock()
	c.remote[p] = from
	c.mu.Unlock()
	c.factory.AddPath(p, factory.CubeOrSolve, c.opts.Originator, task.Nil, cube)
	return nil
}

// HandleResult applies a result a peer reported for work we offloaded to
// it. A peer that could not solve the path gives it back to local work.
func (c *Context) HandleResult(from int64, res cluster.JobResult) {
	c.touch()
	r := parseResult(res.Result)
	if r == task.SAT {
		c.recordModel(res.Assignment)
	}
	decided := r == task.SAT || r == task.UNSAT

	log := c.logger.WithFields(logrus.Fields{"path": res.Path.String(), "from": from, "result": r.String()})
	if !c.factory.RemoveExternallyProcessedTask(res.Path, from, !decided) {
		log.Debug("result for path not recorded as offloaded")
		if r == task.SAT {
			c.setTree(res.Path, r)
		}
		return
	}
	if !decided {
		log.Info("peer gave back unsolved path")
		return
	}
	h, found := c.store.Find(res.Path)
	if !found {
		c.setTree(res.Path, r)
		return
	}
	if err := c.store.CompleteOffloaded(h, r); err != nil {
		log.WithError(err).Warn("could not complete offloaded task")
		c.setTree(res.Path, r)
	}
}

// NodeOffline recovers the work offloaded to a node that left.
func (c *Context) NodeOffline(id int64) int {
	c.mu.Lock()
	for p, from := range c.remote {
		if from == id {
			delete(c.remote, p)
		}
	}
	for p, to := range c.replies {
		if to == id {
			delete(c.replies, p)
		}
	}
	c.mu.Unlock()
	return c.factory.ReaddExternalTasks(id)
}

// NextTask takes the next local task, producing one from the pending
// skeletons if no task is ready.
func (c *Context) NextTask() (task.Handle, task.Task, bool) {
	if c.State() != cluster.Ready || c.finished() {
		return task.Nil, task.Task{}, false
	}
	if h, t, ok := c.store.PopWork(); ok {
		return h, t, true
	}
	if _, ok := c.factory.ProduceTask(); !ok {
		return task.Nil, task.Task{}, false
	}
	return c.store.PopWork()
}

// Execute runs a task taken with NextTask on the calling goroutine and
// folds its outcome. Tasks whose position was decided meanwhile are not
// run.
func (c *Context) Execute(ctx context.Context, h task.Handle, t task.Task) {
	c.touch()
	var out task.Outcome
	switch {
	case c.tree.Resolved(t.Path):
		out.Result = task.Unsolved
		switch c.tree.GetState(t.Path) {
		case cnftree.SAT:
			out.Result = task.SAT
		case cnftree.UNSAT:
			out.Result = task.UNSAT
		}
	case t.Kind == nil:
		out.Result = task.Failed
	default:
		c.opts.Metrics.TaskStarted()
		out = t.Kind.Work(ctx, h)
	}
	if err := c.store.Complete(h, out); err != nil {
		c.logger.WithError(err).WithField("path", t.Path.String()).Warn("could not complete task")
	}
}

// Offload hands the shallowest pending task to target.
//
// Returns:
//   - cluster.JobMessage: The path message to send
//   - bool: false if there is nothing to hand out
func (c *Context) Offload(target int64) (cluster.JobMessage, bool) {
	if c.State() != cluster.Ready || c.finished() {
		return cluster.JobMessage{}, false
	}
	_, t, ok := c.factory.ProduceOffload(target)
	if !ok {
		return cluster.JobMessage{}, false
	}
	var cube []int
	if k, ok := t.Kind.(cubed); ok {
		cube = k.cube()
	}
	if cube == nil {
		var err error
		if cube, err = c.cubeFor(factory.Skeleton{Path: t.Path}); err != nil {
			c.logger.WithError(err).Warn("offloading path without cube")
		}
	}
	c.opts.Metrics.Offloaded("out")
	c.logger.WithFields(logrus.Fields{"path": t.Path.String(), "target": target}).Debug("offloading path")
	return cluster.JobMessage{
		Kind:       cluster.JobKindPath,
		Originator: c.opts.Originator,
		Path:       &cluster.JobPath{Path: t.Path, Cube: cube},
	}, true
}

// OffloadFailed takes back a path whose message could not be delivered.
func (c *Context) OffloadFailed(p path.Path, target int64) {
	if c.factory.RemoveExternallyProcessedTask(p, target, true) {
		c.logger.WithFields(logrus.Fields{"path": p.String(), "target": target}).Info("took back undeliverable path")
	}
}

// QueueSize is the amount of local work not yet started.
func (c *Context) QueueSize() int {
	return c.store.ReadySize() + c.factory.Size()
}

// TreeState reports what this node knows about p and who owns it.
func (c *Context) TreeState(p path.Path) (cnftree.State, int64) {
	return c.tree.GetState(p), c.tree.OffloadTargetFor(p)
}

// Done is closed once the originator's context has a final result.
func (c *Context) Done() <-chan struct{} { return c.done }

// Result returns the final status and, for Sat, the assignment.
func (c *Context) Result() (engine.Status, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.model
}

// Close stops all running work of the context.
func (c *Context) Close() {
	c.store.TerminateAll()
	c.finish(task.Unsolved)
}

// LastActive is when work last arrived or ran.
func (c *Context) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Dump writes the tree as Graphviz dot.
func (c *Context) Dump(w io.Writer) error { return c.tree.Dump(w) }

// Info returns a snapshot for status reports.
func (c *Context) Info() Info {
	info := Info{
		Originator: c.opts.Originator,
		State:      c.State().String(),
		Queue:      c.QueueSize(),
		Tasks:      c.store.Stats(),
	}
	if c.finished() {
		st, _ := c.Result()
		info.Result = st.String()
	}
	return info
}

func (c *Context) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Context) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Context) finish(r task.Result) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		switch r {
		case task.SAT:
			c.result = engine.Sat
		case task.UNSAT:
			c.result = engine.Unsat
		default:
			c.result = engine.Unknown
		}
		c.mu.Unlock()
		c.logger.WithField("result", c.result.String()).Info("formula resolved")
		close(c.done)
		c.store.TerminateAll()
	})
}

func (c *Context) recordModel(model []int) {
	if len(model) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		c.model = append([]int(nil), model...)
	}
}

func (c *Context) recordSolve(d time.Duration) {
	c.opts.Metrics.ObserveSolve(d)
	c.mu.Lock()
	c.solves++
	c.solveTime += d
	c.mu.Unlock()
}

// autoStopLimit is how long a solve of p may run before it is split
// again, zero for no limit.
func (c *Context) autoStopLimit(p path.Path) time.Duration {
	if c.opts.AutoStopFactor <= 0 || int(p.Depth()) >= path.MaxDepth-1 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.solves == 0 {
		return 0
	}
	avg := c.solveTime / time.Duration(c.solves)
	limit := time.Duration(float64(avg) * c.opts.AutoStopFactor)
	if limit < minAutoStop {
		limit = minAutoStop
	}
	return limit
}

func (c *Context) setTree(p path.Path, r task.Result) {
	var s cnftree.State
	switch r {
	case task.SAT:
		s = cnftree.SAT
	case task.UNSAT:
		s = cnftree.UNSAT
	default:
		return
	}
	if err := c.tree.SetState(p, s); err != nil {
		c.logger.WithError(err).WithField("path", p.String()).Warn("could not set tree state")
	}
}

// taskDone runs under the store's assess lock for every finished task.
func (c *Context) taskDone(_ task.Handle, t task.Task) {
	c.opts.Metrics.TaskFinished(t.Result.String())
	c.setTree(t.Path, t.Result)
	if t.Parent != task.Nil {
		return
	}
	c.mu.Lock()
	from, remote := c.remote[t.Path]
	delete(c.remote, t.Path)
	c.mu.Unlock()
	switch {
	case remote:
		c.reply(from, t.Path, t.Result)
	case t.Path.IsRoot() && c.IsOriginator():
		c.finish(t.Result)
	}
}

func (c *Context) reply(to int64, p path.Path, r task.Result) {
	if c.opts.Sender == nil {
		return
	}
	res := &cluster.JobResult{Path: p, Result: r.String()}
	if r == task.SAT {
		_, res.Assignment = c.Result()
	}
	msg := cluster.JobMessage{Kind: cluster.JobKindResult, Originator: c.opts.Originator, Result: res}
	log := c.logger.WithFields(logrus.Fields{"path": p.String(), "to": to, "result": r.String()})
	log.Debug("reporting result")
	c.mu.Lock()
	c.replies[p] = to
	c.mu.Unlock()
	c.sendReply(to, msg, log, 0)
}

// sendReply sends a result report and sends it again after a failed
// transfer while the peer is known and the context is open. A new send
// dials a fresh connection if the old one died.
func (c *Context) sendReply(to int64, msg cluster.JobMessage, log logrus.FieldLogger, attempt int) {
	p := msg.Result.Path
	c.opts.Sender.SendJob(to, msg, func(err error) {
		c.mu.Lock()
		pending := c.replies[p] == to
		retry := err != nil && pending && attempt < replyRetries && !c.finished()
		if !retry && pending {
			delete(c.replies, p)
		}
		c.mu.Unlock()

		switch {
		case err == nil:
		case retry:
			log.WithError(err).WithField("attempt", attempt+1).Debug("reporting result again")
			delay := c.opts.RetryDelay
			if delay <= 0 {
				delay = defaultRetryDelay
			}
			time.AfterFunc(delay, func() {
				c.mu.Lock()
				pending := c.replies[p] == to
				c.mu.Unlock()
				if pending {
					c.sendReply(to, msg, log, attempt+1)
				}
			})
		default:
			log.WithError(err).Warn("could not report result")
		}
	})
}

// pendingReplies is the number of result reports not yet delivered.
func (c *Context) pendingReplies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

func parseResult(s string) task.Result {
	for _, r := range []task.Result{task.SAT, task.UNSAT, task.Unsolved, task.Failed} {
		if r.String() == s {
			return r
		}
	}
	return task.Unknown
}

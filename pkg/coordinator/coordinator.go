// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/fence"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// AnyRank makes Get search a key among all ranks.
	AnyRank = -1

	defaultFenceTimeout        = 15 * time.Minute
	defaultLingerTimeout       = 30 * time.Second
	defaultTickInterval        = time.Second
	defaultMaxPendingTaskCount = 1024
	peerSendTimeout            = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// FenceTimeout bounds a round from its first local arm to its merge, and
	// a blocking Get from its suspension to its answer.
	FenceTimeout time.Duration
	// LingerTimeout bounds how long Finish waits for peers to finish.
	LingerTimeout time.Duration
	// TickInterval is the period of timeout checks.
	TickInterval        time.Duration
	MaxPendingTaskCount int
}

func (c *Config) adjust() {
	if c.FenceTimeout <= 0 {
		c.FenceTimeout = defaultFenceTimeout
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = defaultLingerTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxPendingTaskCount <= 0 {
		c.MaxPendingTaskCount = defaultMaxPendingTaskCount
	}
}

type workerState int

const (
	workerNone workerState = iota
	workerActive
	workerFinalized
	workerDisconnected
)

func (s workerState) String() string {
	switch s {
	case workerActive:
		return "active"
	case workerFinalized:
		return "finalized"
	case workerDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// InitResult is returned to a worker by Init.
type InitResult struct {
	Namespace string
	Rank      int
	LocalRank int
	Size      int
}

type fenceResult struct {
	entries []kv.Entry
	err     error
}

type fenceWaiter struct {
	localRank int
	collect   bool
	resp      chan fenceResult
}

type getResult struct {
	entry kv.Entry
	err   error
}

type getWaiter struct {
	localRank int
	rank      int
	key       string
	blocking  bool
	since     time.Time
	resp      chan getResult
}

// modexState tracks a rank whose latest data was merged without payload.
type modexState struct {
	// gen grows with every round that merged the rank without payload.
	gen uint64
	// requested is the gen of the request in flight, zero when none is.
	requested uint64
	requestID uint64
}

// Coordinator serves the workers of one unit and runs the fence rounds of
// the unit with its peers. All state is owned by the goroutine running Run,
// the other methods hand tasks to it.
type Coordinator struct {
	dir    *rendezvous.Directory
	nsID   string
	router p2p.MessageRouter
	clock  clock.Clock
	config *Config
	logger *zap.Logger

	taskQueue chan interface{}
	closeCh   chan struct{}
	abortCh   chan struct{}
	abortErr  *atomic.Error

	// Owned by the run loop.
	store        *kv.Store
	ownData      *kv.Store
	engine       *fence.Engine
	workers      []workerState
	fenceWaiters map[fence.RoundID][]*fenceWaiter
	getWaiters   []*getWaiter
	modex        map[int]*modexState
	modexSeq     uint64
	sentTo       map[int]struct{}
	connected    map[int]struct{}
	departed     map[int]struct{}
	peersDone    map[int]struct{}
	finishing    bool
	finishCh     chan struct{}
}

// New creates a Coordinator for the unit described by dir.
func New(
	dir *rendezvous.Directory, router p2p.MessageRouter, clk clock.Clock, config *Config,
) *Coordinator {
	cfg := *config
	cfg.adjust()
	return &Coordinator{
		dir:          dir,
		nsID:         dir.NamespaceID(),
		router:       router,
		clock:        clk,
		config:       &cfg,
		logger:       logutil.WithComponent("coordinator").With(zap.Int("unit", dir.Self())),
		taskQueue:    make(chan interface{}, cfg.MaxPendingTaskCount),
		closeCh:      make(chan struct{}),
		abortCh:      make(chan struct{}),
		abortErr:     atomic.NewError(nil),
		store:        kv.NewStore(),
		ownData:      kv.NewStore(),
		engine:       fence.NewEngine(dir, clk),
		workers:      make([]workerState, dir.NProcs()),
		fenceWaiters: make(map[fence.RoundID][]*fenceWaiter),
		modex:        make(map[int]*modexState),
		sentTo:       make(map[int]struct{}),
		connected:    make(map[int]struct{}),
		departed:     make(map[int]struct{}),
		peersDone:    make(map[int]struct{}),
	}
}

// Namespace returns the namespace id served to workers.
func (c *Coordinator) Namespace() string {
	return c.nsID
}

// Aborted is closed once the job is aborted.
func (c *Coordinator) Aborted() <-chan struct{} {
	return c.abortCh
}

// Err returns the cause of the abort, nil if the job was not aborted.
func (c *Coordinator) Err() error {
	return c.abortErr.Load()
}

// Run runs the event loop until ctx is done or the job is aborted. It
// returns the abort cause in the latter case.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		close(c.closeCh)
		c.releaseAll(cerror.ErrCoordinatorClosed.GenWithStackByArgs())
	}()

	ticker := c.clock.Ticker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case err := <-c.router.Err():
			if c.finishing {
				c.logger.Warn("peer client failed while finishing", zap.Error(err))
				continue
			}
			c.fail(ctx, err, true)
		case <-ticker.C:
			c.tick(ctx)
		case task := <-c.taskQueue:
			c.handleTask(ctx, task)
		}
		if err := c.abortErr.Load(); err != nil {
			return err
		}
	}
}

type taskInit struct {
	localRank int
	resp      chan initResult
}

type initResult struct {
	result InitResult
	err    error
}

type taskPut struct {
	localRank int
	key       string
	value     []byte
	scope     kv.Scope
	resp      chan error
}

type taskGet struct {
	waiter *getWaiter
	ns     string
}

type taskFence struct {
	localRank int
	procSet   rendezvous.ProcSet
	collect   bool
	resp      chan fenceResult
}

type taskDisconnect struct {
	localRank int
	finalized bool
	resp      chan error
}

type taskAbort struct {
	cause error
	resp  chan struct{}
}

type taskPeerMessage struct {
	msg *p2p.Message
}

type taskPeerClosed struct {
	unit int
	err  error
}

type taskFinish struct {
	resp chan struct{}
}

type taskStatus struct {
	resp chan *Status
}

func (c *Coordinator) handleTask(ctx context.Context, task interface{}) {
	switch task := task.(type) {
	case taskInit:
		result, err := c.handleInit(task.localRank)
		task.resp <- initResult{result: result, err: err}
	case taskPut:
		task.resp <- c.handlePut(task)
	case taskGet:
		c.handleGet(ctx, task)
	case taskFence:
		c.handleFence(ctx, task)
	case taskDisconnect:
		task.resp <- c.handleDisconnect(ctx, task.localRank, task.finalized)
	case taskAbort:
		c.fail(ctx, task.cause, true)
		close(task.resp)
	case taskPeerMessage:
		c.handlePeerMessage(ctx, task.msg)
	case taskPeerClosed:
		c.handlePeerClosed(ctx, task.unit, task.err)
	case taskFinish:
		c.handleFinish(ctx, task.resp)
	case taskStatus:
		task.resp <- c.status()
	default:
		c.logger.Panic("unknown task", zap.Any("task", task))
	}
}

// schedule hands a task to the run loop. Requests are refused once the job
// is aborted.
func (c *Coordinator) schedule(ctx context.Context, task interface{}) error {
	if err := c.abortErr.Load(); err != nil {
		return cerror.ErrAborted.Wrap(err).GenWithStackByArgs(err.Error())
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-c.closeCh:
		return cerror.ErrCoordinatorClosed.GenWithStackByArgs()
	case c.taskQueue <- task:
	}
	return nil
}

// await waits for the answer of a scheduled task. A task still queued when
// the run loop exits is never answered.
func await[T any](ctx context.Context, closeCh <-chan struct{}, resp <-chan T) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, errors.Trace(ctx.Err())
	case r := <-resp:
		return r, nil
	case <-closeCh:
		select {
		case r := <-resp:
			return r, nil
		default:
			return zero, cerror.ErrCoordinatorClosed.GenWithStackByArgs()
		}
	}
}

// Init registers a local worker and returns its place in the job.
func (c *Coordinator) Init(ctx context.Context, localRank int) (InitResult, error) {
	resp := make(chan initResult, 1)
	if err := c.schedule(ctx, taskInit{localRank: localRank, resp: resp}); err != nil {
		return InitResult{}, err
	}
	r, err := await(ctx, c.closeCh, resp)
	if err != nil {
		return InitResult{}, err
	}
	return r.result, r.err
}

// Put stages a value of a local worker for its next fence.
func (c *Coordinator) Put(
	ctx context.Context, localRank int, key string, value []byte, scope kv.Scope,
) error {
	resp := make(chan error, 1)
	task := taskPut{localRank: localRank, key: key, value: value, scope: scope, resp: resp}
	if err := c.schedule(ctx, task); err != nil {
		return err
	}
	r, err := await(ctx, c.closeCh, resp)
	if err != nil {
		return err
	}
	return r
}

// Get reads a globally visible value. rank may be AnyRank to search every
// rank. A blocking Get waits until the value is published.
func (c *Coordinator) Get(
	ctx context.Context, localRank int, ns string, rank int, key string, blocking bool,
) (kv.Entry, error) {
	resp := make(chan getResult, 1)
	task := taskGet{
		ns: ns,
		waiter: &getWaiter{
			localRank: localRank,
			rank:      rank,
			key:       key,
			blocking:  blocking,
			resp:      resp,
		},
	}
	if err := c.schedule(ctx, task); err != nil {
		return kv.Entry{}, err
	}
	r, err := await(ctx, c.closeCh, resp)
	if err != nil {
		return kv.Entry{}, err
	}
	return r.entry, r.err
}

// Fence arms the next round of procSet for a local worker and waits for the
// round to merge. With collect set it returns the entries of the round.
func (c *Coordinator) Fence(
	ctx context.Context, localRank int, procSet rendezvous.ProcSet, collect bool,
) ([]kv.Entry, error) {
	resp := make(chan fenceResult, 1)
	task := taskFence{localRank: localRank, procSet: procSet, collect: collect, resp: resp}
	if err := c.schedule(ctx, task); err != nil {
		return nil, err
	}
	r, err := await(ctx, c.closeCh, resp)
	if err != nil {
		return nil, err
	}
	return r.entries, r.err
}

// Finalize deregisters a worker that completed normally.
func (c *Coordinator) Finalize(ctx context.Context, localRank int) error {
	return c.disconnect(ctx, localRank, true)
}

// Disconnect deregisters a worker whose connection ended without Finalize.
func (c *Coordinator) Disconnect(ctx context.Context, localRank int) error {
	return c.disconnect(ctx, localRank, false)
}

func (c *Coordinator) disconnect(ctx context.Context, localRank int, finalized bool) error {
	resp := make(chan error, 1)
	task := taskDisconnect{localRank: localRank, finalized: finalized, resp: resp}
	if err := c.schedule(ctx, task); err != nil {
		return err
	}
	r, err := await(ctx, c.closeCh, resp)
	if err != nil {
		return err
	}
	return r
}

// Abort aborts the job: local waiters are released with ErrAborted and the
// peers are told to abort their workers. It returns once the abort is
// recorded.
func (c *Coordinator) Abort(ctx context.Context, cause error) {
	if c.abortErr.Load() != nil {
		return
	}
	resp := make(chan struct{})
	select {
	case <-ctx.Done():
		return
	case <-c.closeCh:
		return
	case c.taskQueue <- taskAbort{cause: cause, resp: resp}:
	}
	select {
	case <-ctx.Done():
	case <-c.closeCh:
	case <-resp:
	}
}

// Finish is called once every local worker exited successfully. It tells
// the peers and waits until every peer that talked to this unit finished
// too, or the linger timeout expires, so that late data requests are
// still answered.
func (c *Coordinator) Finish(ctx context.Context) error {
	resp := make(chan struct{})
	if err := c.schedule(ctx, taskFinish{resp: resp}); err != nil {
		return err
	}
	timer := c.clock.Timer(c.config.LingerTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-c.closeCh:
		return c.Err()
	case <-c.abortCh:
		return c.Err()
	case <-timer.C:
		c.logger.Info("linger timeout expired, leaving peers behind",
			zap.Duration("timeout", c.config.LingerTimeout))
		return nil
	case <-resp:
		return nil
	}
}

// OnPeerMessage implements p2p.MessageHandler.
func (c *Coordinator) OnPeerMessage(ctx context.Context, msg *p2p.Message) error {
	return c.schedulePeerTask(ctx, taskPeerMessage{msg: msg})
}

// OnPeerClosed implements p2p.MessageHandler.
func (c *Coordinator) OnPeerClosed(ctx context.Context, unit int, err error) error {
	return c.schedulePeerTask(ctx, taskPeerClosed{unit: unit, err: err})
}

func (c *Coordinator) schedulePeerTask(ctx context.Context, task interface{}) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-c.closeCh:
		// Late peer traffic after shutdown is dropped.
		return nil
	case c.taskQueue <- task:
	}
	return nil
}

func (c *Coordinator) handleInit(localRank int) (InitResult, error) {
	if localRank < 0 || localRank >= c.dir.NProcs() {
		return InitResult{}, cerror.ErrInvalidRank.GenWithStackByArgs(localRank,
			"local rank out of range")
	}
	if state := c.workers[localRank]; state != workerNone {
		return InitResult{}, cerror.ErrInvalidRank.GenWithStackByArgs(c.dir.GlobalRank(localRank),
			"already initialized, worker is "+state.String())
	}
	c.workers[localRank] = workerActive
	workerGauge.WithLabelValues(workerActive.String()).Inc()
	result := InitResult{
		Namespace: c.nsID,
		Rank:      c.dir.GlobalRank(localRank),
		LocalRank: localRank,
		Size:      c.dir.WorldSize(),
	}
	c.logger.Info("worker initialized",
		zap.Int("localRank", localRank), zap.Int("rank", result.Rank))
	return result, nil
}

func (c *Coordinator) checkActive(localRank int) error {
	if localRank < 0 || localRank >= c.dir.NProcs() {
		return cerror.ErrInvalidRank.GenWithStackByArgs(localRank, "local rank out of range")
	}
	if c.workers[localRank] != workerActive {
		return cerror.ErrInvalidRank.GenWithStackByArgs(c.dir.GlobalRank(localRank),
			"worker is "+c.workers[localRank].String())
	}
	return nil
}

func (c *Coordinator) handleDisconnect(ctx context.Context, localRank int, finalized bool) error {
	if err := c.checkActive(localRank); err != nil {
		return err
	}
	state := workerDisconnected
	if finalized {
		state = workerFinalized
	}
	c.workers[localRank] = state
	workerGauge.WithLabelValues(workerActive.String()).Dec()
	workerGauge.WithLabelValues(state.String()).Inc()

	c.dropWaiters(localRank)
	for _, r := range c.engine.ArmedBy(localRank) {
		if r.State == fence.StateExchanging {
			c.fail(ctx, cerror.ErrAborted.GenWithStackByArgs(fmt.Sprintf(
				"rank %d left during round %s", c.dir.GlobalRank(localRank), r.ID)), true)
			return nil
		}
	}
	c.logger.Info("worker left",
		zap.Int("localRank", localRank), zap.Stringer("state", state))
	return nil
}

// dropWaiters forgets the pending requests of a worker that left.
func (c *Coordinator) dropWaiters(localRank int) {
	for id, waiters := range c.fenceWaiters {
		kept := waiters[:0]
		for _, w := range waiters {
			if w.localRank != localRank {
				kept = append(kept, w)
			}
		}
		c.fenceWaiters[id] = kept
	}
	kept := c.getWaiters[:0]
	for _, w := range c.getWaiters {
		if w.localRank != localRank {
			kept = append(kept, w)
		}
	}
	c.getWaiters = kept
}

func (c *Coordinator) tick(ctx context.Context) {
	for _, r := range c.engine.Expired(c.config.FenceTimeout) {
		c.logger.Warn("fence round timed out",
			zap.Stringer("round", r.ID),
			zap.Ints("armed", r.ArmedRanks()),
			zap.Ints("missingUnits", r.MissingUnits()),
			zap.Stringer("state", r.State))
		c.fail(ctx, cerror.ErrFenceTimeout.GenWithStackByArgs(
			r.ID.Set, r.ID.Seq, c.config.FenceTimeout), true)
		return
	}
	now := c.clock.Now()
	for _, w := range c.getWaiters {
		if now.Sub(w.since) < c.config.FenceTimeout {
			continue
		}
		c.logger.Warn("blocking get timed out",
			zap.String("key", w.key),
			zap.Int("rank", w.rank),
			zap.Int("localRank", w.localRank))
		c.fail(ctx, cerror.ErrGetTimeout.GenWithStackByArgs(
			w.key, w.rank, c.config.FenceTimeout), true)
		return
	}
}

// releaseAll answers every pending request with err.
func (c *Coordinator) releaseAll(err error) {
	for id, waiters := range c.fenceWaiters {
		for _, w := range waiters {
			w.resp <- fenceResult{err: err}
		}
		delete(c.fenceWaiters, id)
	}
	for _, w := range c.getWaiters {
		w.resp <- getResult{err: err}
	}
	c.getWaiters = nil
}

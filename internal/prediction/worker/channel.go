package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"shift-scheduler/backend/internal/prediction"
)

// ChannelConfig 后台通道配置
type ChannelConfig struct {
	Engine         Config
	QueueSize      int     // FIFO 队列长度
	MemoryBudget   int64   // 缓冲区字节预算
	HighWaterRatio float64 // 强制回收阈值比例
	SweepSpec      string  // 清扫计划（cron 表达式）
	ResponseBuffer int
}

// DefaultChannelConfig 默认配置
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Engine:         DefaultConfig(),
		QueueSize:      16,
		MemoryBudget:   500 << 20,
		HighWaterRatio: 0.8,
		SweepSpec:      "@every 30s",
		ResponseBuffer: 64,
	}
}

type job struct {
	req      prediction.Request
	queuedAt time.Time
}

// Channel 进程内后台通道：单个工作协程按 FIFO 顺序处理操作；
// 控制消息（初始化、取消、状态）由独立协程即时处理。
type Channel struct {
	engine  *Engine
	sweeper *Sweeper
	stats   *statsRecorder
	logger  *zap.Logger

	queue     chan job
	control   chan prediction.Request
	responses chan prediction.Response
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	current     string
	cancels     map[string]context.CancelCauseFunc
	dropped     map[string]bool
	err         error
	closeOnce   sync.Once
}

// NewChannel 创建并启动后台通道
func NewChannel(cfg ChannelConfig, model Model, metrics *prediction.Metrics, logger *zap.Logger) (*Channel, error) {
	def := DefaultChannelConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	if cfg.ResponseBuffer <= 0 {
		cfg.ResponseBuffer = def.ResponseBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")

	tracker := NewBufferTracker(cfg.MemoryBudget, cfg.HighWaterRatio)
	sweeper, err := StartSweeper(cfg.SweepSpec, tracker, metrics, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		engine:    NewEngine(cfg.Engine, model, tracker, logger),
		sweeper:   sweeper,
		stats:     newStatsRecorder(),
		logger:    logger,
		queue:     make(chan job, cfg.QueueSize),
		control:   make(chan prediction.Request, cfg.QueueSize),
		responses: make(chan prediction.Response, cfg.ResponseBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		cancels:   make(map[string]context.CancelCauseFunc),
		dropped:   make(map[string]bool),
	}
	c.wg.Add(2)
	go c.runQueue()
	go c.runControl()
	return c, nil
}

// Factory 供 prediction.Manager 使用的通道工厂
func Factory(cfg ChannelConfig, metrics *prediction.Metrics, logger *zap.Logger) prediction.ChannelFactory {
	return func() (prediction.Channel, error) {
		ch, err := NewChannel(cfg, nil, metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", prediction.ErrChannelUnsupported, err)
		}
		return ch, nil
	}
}

// ── prediction.Channel ──

// Post 投递请求，不阻塞
func (c *Channel) Post(req prediction.Request) error {
	select {
	case <-c.done:
		return prediction.ErrChannelFailure
	default:
	}

	if prediction.IsOperation(req.Type) {
		select {
		case c.queue <- job{req: req, queuedAt: time.Now()}:
			return nil
		default:
			return fmt.Errorf("%w: %d", prediction.ErrQueueFull, cap(c.queue))
		}
	}
	select {
	case c.control <- req:
		return nil
	default:
		return fmt.Errorf("%w: 控制队列已满", prediction.ErrQueueFull)
	}
}

func (c *Channel) Responses() <-chan prediction.Response { return c.responses }
func (c *Channel) Done() <-chan struct{}                 { return c.done }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 停止工作协程与清扫，取消进行中的操作
func (c *Channel) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	c.sweeper.Stop()
	return nil
}

// shutdown 标记失效并通知读端
func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		for _, cancel := range c.cancels {
			cancel(prediction.ErrOperationCancelled)
		}
		c.mu.Unlock()
		c.cancel()
		close(c.done)
	})
}

func (c *Channel) emit(resp prediction.Response) {
	select {
	case c.responses <- resp:
	case <-c.done:
	}
}

// ════════════════════════════════════════════════════════════
// 控制协程
// ════════════════════════════════════════════════════════════

func (c *Channel) runControl() {
	defer c.wg.Done()
	defer c.recoverCrash("control")
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.control:
			c.handleControl(req)
		}
	}
}

func (c *Channel) handleControl(req prediction.Request) {
	switch req.Type {
	case prediction.TypeInitialize:
		c.mu.Lock()
		c.initialized = true
		c.mu.Unlock()
		model := c.engine.Model()
		c.emit(prediction.Response{
			Type:    prediction.TypeInitializationResult,
			ID:      req.ID,
			Success: model != nil && model.Loaded(),
			Result:  c.status(),
		})
	case prediction.TypeCancel:
		c.cancelOperation(req.ID)
	case prediction.TypeGetStatus:
		c.emit(prediction.Response{
			Type:    prediction.TypeStatusResponse,
			ID:      req.ID,
			Success: true,
			Result:  c.status(),
		})
	default:
		c.emit(prediction.Response{
			Type:  prediction.TypeError,
			ID:    req.ID,
			Error: fmt.Sprintf("未知消息类型 %q", req.Type),
		})
	}
}

// cancelOperation 运行中的操作取消其 ctx；仍在队列中的标记为丢弃
func (c *Channel) cancelOperation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[id]; ok {
		cancel(prediction.ErrOperationCancelled)
		return
	}
	// 已结束操作的取消也会落到这里，限制表大小
	if len(c.dropped) >= maxDropped {
		c.dropped = make(map[string]bool)
	}
	c.dropped[id] = true
}

const maxDropped = 1024

func (c *Channel) status() *prediction.Status {
	c.mu.Lock()
	initialized, current := c.initialized, c.current
	c.mu.Unlock()
	model := c.engine.Model()
	st := &prediction.Status{
		Initialized:      initialized,
		QueueLength:      len(c.queue),
		CurrentOperation: current,
		Memory:           c.engine.Tracker().Stats(),
		Stats:            c.stats.snapshot(),
	}
	if model != nil {
		st.ModelLoaded = model.Loaded()
		st.ModelVersion = model.Version()
	}
	return st
}

// ════════════════════════════════════════════════════════════
// 工作协程
// ════════════════════════════════════════════════════════════

func (c *Channel) runQueue() {
	defer c.wg.Done()
	defer c.recoverCrash("queue")
	for {
		// 关闭信号优先于排队中的工作
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		select {
		case <-c.ctx.Done():
			return
		case j := <-c.queue:
			c.process(j)
		}
	}
}

// recoverCrash 工作协程意外退出时使通道失效，由管理器负责重建
func (c *Channel) recoverCrash(loop string) {
	if r := recover(); r != nil {
		c.logger.Error("后台协程崩溃",
			zap.String("loop", loop),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
		c.shutdown(fmt.Errorf("后台协程崩溃: %v", r))
	}
}

func (c *Channel) process(j job) {
	id := j.req.ID
	kind := prediction.OperationKind(j.req.Type)

	c.mu.Lock()
	if c.dropped[id] {
		delete(c.dropped, id)
		c.mu.Unlock()
		c.emit(cancelledResponse(id, kind))
		return
	}
	ctx, cancel := context.WithCancelCause(c.ctx)
	c.cancels[id] = cancel
	c.current = id
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.current = ""
		c.mu.Unlock()
		cancel(nil)
	}()

	report := func(p float64, stage, msg string) {
		c.emit(prediction.Response{
			Type:     prediction.TypeProgressUpdate,
			ID:       id,
			Success:  true,
			Progress: p,
			Stage:    stage,
			Message:  msg,
		})
	}

	start := time.Now()
	c.logger.Debug("开始处理操作",
		zap.String("id", id),
		zap.String("kind", string(kind)),
		zap.Duration("queue_delay", start.Sub(j.queuedAt)),
	)
	result, method, err := c.execute(ctx, kind, j.req.Data, report)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		c.stats.record(true, elapsed, method)
		c.emit(prediction.Response{Type: prediction.TypeOperationComplete, ID: id, Success: true, Result: result})
	case errors.Is(err, prediction.ErrOperationCancelled):
		c.logger.Info("操作已取消", zap.String("id", id), zap.String("kind", string(kind)))
		c.emit(cancelledResponse(id, kind))
	default:
		c.stats.record(false, elapsed, "")
		c.logger.Warn("操作失败", zap.String("id", id), zap.String("kind", string(kind)), zap.Error(err))
		c.emit(prediction.Response{Type: prediction.TypeOperationComplete, ID: id, Success: false, Error: err.Error()})
	}
}

func cancelledResponse(id string, kind prediction.OperationKind) prediction.Response {
	resp := prediction.Response{
		Type:      prediction.TypeOperationComplete,
		ID:        id,
		Success:   false,
		Cancelled: true,
		Error:     prediction.ErrOperationCancelled.Error(),
	}
	if kind == prediction.KindBatchPredict {
		resp.Result = &prediction.PredictResult{Success: false, Cancelled: true}
	}
	return resp
}

// execute 按操作种类分派；单个操作内的 panic 只影响该操作
func (c *Channel) execute(ctx context.Context, kind prediction.OperationKind, data any, report Reporter) (result any, method prediction.Method, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("操作异常", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, r)
		}
	}()

	switch kind {
	case prediction.KindBatchPredict:
		req, ok := data.(*prediction.PredictRequest)
		if !ok {
			return nil, "", fmt.Errorf("%w: %T", prediction.ErrInvalidPayload, data)
		}
		res, err := c.engine.Predict(ctx, req, report)
		if err != nil {
			return nil, "", err
		}
		return res, res.Metadata.Method, nil
	case prediction.KindTrain:
		req, ok := data.(*prediction.TrainRequest)
		if !ok {
			return nil, "", fmt.Errorf("%w: %T", prediction.ErrInvalidPayload, data)
		}
		res, err := c.engine.Train(ctx, req, report)
		return res, "", err
	case prediction.KindGenerateFeatures:
		req, ok := data.(*prediction.FeatureRequest)
		if !ok {
			return nil, "", fmt.Errorf("%w: %T", prediction.ErrInvalidPayload, data)
		}
		res, err := c.engine.GenerateFeatures(ctx, req)
		return res, "", err
	}
	return nil, "", fmt.Errorf("%w: 未知操作 %q", prediction.ErrInvalidPayload, kind)
}

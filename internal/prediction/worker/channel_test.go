package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/shift"
)

// blockingModel 首次调用后阻塞直到 release
type blockingModel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingModel() *blockingModel {
	return &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
}

func (m *blockingModel) Loaded() bool { return true }
func (m *blockingModel) Version() int { return 1 }
func (m *blockingModel) Predict(_, probs []float64) error {
	m.once.Do(func() { close(m.started) })
	<-m.release
	probs[shift.ClassNormal] = 1
	return nil
}

func testChannelConfig() ChannelConfig {
	cfg := DefaultChannelConfig()
	cfg.SweepSpec = "@every 1h"
	return cfg
}

// await 读取直到拿到指定 ID 的完成类响应
func await(t *testing.T, c *Channel, id string) prediction.Response {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case resp := <-c.Responses():
			if resp.ID == id && resp.Type != prediction.TypeProgressUpdate {
				return resp
			}
		case <-timeout:
			t.Fatalf("等待 %s 超时", id)
		}
	}
}

func predictReq(id string, staffN int) prediction.Request {
	return prediction.Request{
		Type: prediction.MessageType(prediction.KindBatchPredict),
		ID:   id,
		Data: newRequest(makeStaff(staffN, shift.StatusRegular), weekDates("2025-03-03", 7)),
	}
}

// ════════════════════════════════════════════════════════════

func TestChannel_ThroughManager(t *testing.T) {
	monitor := health.NewMonitor(10, 5, time.Minute, zap.NewNop())
	metrics := prediction.NewMetrics(nil)
	m := prediction.NewManager(Factory(testChannelConfig(), metrics, zap.NewNop()), prediction.Config{}, monitor, metrics, zap.NewNop())
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mu sync.Mutex
	stages := map[string]bool{}
	res, err := m.Predict(context.Background(), newRequest(makeStaff(3, shift.StatusRegular), weekDates("2025-03-03", 7)),
		func(ev prediction.ProgressEvent) {
			mu.Lock()
			stages[ev.Stage] = true
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !res.Success || res.Metadata.Method != prediction.MethodHybrid {
		t.Errorf("结果不符: %+v", res.Metadata)
	}

	mu.Lock()
	for _, s := range []string{StageValidate, StagePrepare, StageModel, StageRules, StageComplete} {
		if !stages[s] {
			t.Errorf("缺少阶段 %s 的进度", s)
		}
	}
	mu.Unlock()

	st, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Initialized || !st.ModelLoaded || st.Stats.TotalOperations != 1 || st.Stats.ByMethod[prediction.MethodHybrid] != 1 {
		t.Errorf("状态不符: %+v", st)
	}
}

func TestChannel_CancelQueuedAndRunning(t *testing.T) {
	model := newBlockingModel()
	c, err := NewChannel(testChannelConfig(), model, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer c.Close()
	defer close(model.release)

	if err := c.Post(predictReq("op-1", 2)); err != nil {
		t.Fatal(err)
	}
	<-model.started
	if err := c.Post(predictReq("op-2", 2)); err != nil {
		t.Fatal(err)
	}

	// 排队中的操作先取消，再取消运行中的
	if err := c.Post(prediction.Request{Type: prediction.TypeCancel, ID: "op-2"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Post(prediction.Request{Type: prediction.TypeCancel, ID: "op-1"}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"op-1", "op-2"} {
		resp := await(t, c, id)
		if resp.Success || !resp.Cancelled {
			t.Errorf("%s 应以取消结束: %+v", id, resp)
		}
		res, ok := resp.Result.(*prediction.PredictResult)
		if !ok || res.Success || !res.Cancelled {
			t.Errorf("%s 取消结果应为 {success:false, cancelled:true}: %+v", id, resp.Result)
		}
	}

	if st := c.status(); st.Stats.TotalOperations != 0 {
		t.Errorf("取消的操作不应计入统计: %+v", st.Stats)
	}
}

func TestChannel_QueueFull(t *testing.T) {
	model := newBlockingModel()
	cfg := testChannelConfig()
	cfg.QueueSize = 1
	c, err := NewChannel(cfg, model, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer c.Close()
	defer close(model.release)

	if err := c.Post(predictReq("op-1", 2)); err != nil {
		t.Fatal(err)
	}
	<-model.started
	if err := c.Post(predictReq("op-2", 2)); err != nil {
		t.Fatalf("第二个操作应能排队: %v", err)
	}
	if err := c.Post(predictReq("op-3", 2)); !errors.Is(err, prediction.ErrQueueFull) {
		t.Errorf("期望队列已满，实际 %v", err)
	}
}

func TestChannel_InvalidPayload(t *testing.T) {
	c, err := NewChannel(testChannelConfig(), nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer c.Close()

	if err := c.Post(prediction.Request{Type: prediction.MessageType(prediction.KindTrain), ID: "op-1", Data: "bogus"}); err != nil {
		t.Fatal(err)
	}
	resp := await(t, c, "op-1")
	if resp.Success || resp.Cancelled || resp.Error == "" {
		t.Errorf("期望失败响应: %+v", resp)
	}
	if st := c.status(); st.Stats.Failed != 1 {
		t.Errorf("失败应计入统计: %+v", st.Stats)
	}
}

func TestChannel_CloseRejectsPost(t *testing.T) {
	c, err := NewChannel(testChannelConfig(), nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	_ = c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("关闭后 Done 应已关闭")
	}
	if err := c.Post(predictReq("op-1", 1)); !errors.Is(err, prediction.ErrChannelFailure) {
		t.Errorf("关闭后投递应失败，实际 %v", err)
	}
}

func TestFactory_InvalidSweepSpec(t *testing.T) {
	cfg := testChannelConfig()
	cfg.SweepSpec = "not a schedule"
	_, err := Factory(cfg, nil, zap.NewNop())()
	if !errors.Is(err, prediction.ErrChannelUnsupported) {
		t.Errorf("期望不支持，实际 %v", err)
	}
}

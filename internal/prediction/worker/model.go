package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/shift"
)

var (
	ErrModelNotLoaded = health.Tag(errors.New("预测模型未加载"), health.CategoryOperation)
	ErrFeatureDim     = health.Tag(errors.New("特征维度不匹配"), health.CategoryInput)
	ErrNoSamples      = health.Tag(errors.New("没有可用的训练样本"), health.CategoryInput)
)

// Model 单元格类别预测模型
type Model interface {
	Loaded() bool
	Version() int
	// Predict 将各类别概率写入 probs（长度 shift.NumClasses）
	Predict(features, probs []float64) error
}

// Sample 训练样本
type Sample struct {
	Features []float64
	Label    shift.Class
}

// LinearModel 多类别 softmax 线性模型。实例不可变，训练返回新实例。
type LinearModel struct {
	weights [shift.NumClasses][]float64
	bias    [shift.NumClasses]float64
	version int
	loaded  bool
}

func newLinearModel() *LinearModel {
	m := &LinearModel{}
	for c := range m.weights {
		m.weights[c] = make([]float64, FeatureDim)
	}
	return m
}

// NewPriorModel 先验模型：正常班为主，周日/周六与兼职倾向休息，延续上周同日与前一天的班次
func NewPriorModel() *LinearModel {
	m := newLinearModel()
	m.bias = [shift.NumClasses]float64{1.5, -0.5, -0.5, 0, -2.5, -3}

	off := int(shift.ClassDayOff)
	m.weights[off][offsetWeekday+int(time.Sunday)] = 2.0
	m.weights[off][offsetWeekday+int(time.Saturday)] = 0.8
	m.weights[off][offsetStatus+2] = 0.6

	for c := 0; c < shift.NumClasses; c++ {
		m.weights[c][historyIndex(1, shift.Class(c))] += 0.4
		m.weights[c][historyIndex(7, shift.Class(c))] += 1.0
	}
	m.loaded = true
	m.version = 1
	return m
}

func (m *LinearModel) Loaded() bool { return m != nil && m.loaded }
func (m *LinearModel) Version() int {
	if m == nil {
		return 0
	}
	return m.version
}

// Predict 计算 softmax 概率
func (m *LinearModel) Predict(features, probs []float64) error {
	if !m.Loaded() {
		return ErrModelNotLoaded
	}
	if len(features) != FeatureDim || len(probs) != shift.NumClasses {
		return fmt.Errorf("%w: features=%d probs=%d", ErrFeatureDim, len(features), len(probs))
	}
	m.logits(features, probs)
	softmax(probs)
	return nil
}

func (m *LinearModel) logits(features, out []float64) {
	for c := 0; c < shift.NumClasses; c++ {
		z := m.bias[c]
		w := m.weights[c]
		for i, x := range features {
			if x != 0 {
				z += w[i] * x
			}
		}
		out[c] = z
	}
}

func softmax(v []float64) {
	maxV := math.Inf(-1)
	for _, x := range v {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - maxV)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

// argmax 最大概率类别及其概率
func argmax(probs []float64) (shift.Class, float64) {
	best, bestP := 0, probs[0]
	for i := 1; i < len(probs); i++ {
		if probs[i] > bestP {
			best, bestP = i, probs[i]
		}
	}
	return shift.Class(best), bestP
}

// FitResult 训练结果
type FitResult struct {
	Model    *LinearModel
	Loss     float64
	Accuracy float64
}

// Fit 以接收者为初始参数做 SGD（交叉熵 + L2），返回新模型。
// 每轮结束检查 ctx 并回调 onEpoch。
func (m *LinearModel) Fit(ctx context.Context, samples []Sample, epochs int, lr float64, onEpoch func(epoch int, loss float64)) (*FitResult, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if epochs <= 0 {
		epochs = 1
	}
	if lr <= 0 {
		lr = 0.05
	}
	const l2 = 1e-4

	next := newLinearModel()
	if m != nil && m.loaded {
		next.bias = m.bias
		for c := range m.weights {
			copy(next.weights[c], m.weights[c])
		}
	}
	next.loaded = true
	next.version = m.Version() + 1

	probs := make([]float64, shift.NumClasses)
	var loss float64
	for epoch := 1; epoch <= epochs; epoch++ {
		loss = 0
		for _, s := range samples {
			if len(s.Features) != FeatureDim {
				return nil, ErrFeatureDim
			}
			next.logits(s.Features, probs)
			softmax(probs)
			loss -= math.Log(math.Max(probs[s.Label], 1e-12))

			for c := 0; c < shift.NumClasses; c++ {
				g := probs[c]
				if shift.Class(c) == s.Label {
					g -= 1
				}
				w := next.weights[c]
				for i, x := range s.Features {
					if x != 0 {
						w[i] -= lr * (g*x + l2*w[i])
					}
				}
				next.bias[c] -= lr * g
			}
		}
		loss /= float64(len(samples))
		if onEpoch != nil {
			onEpoch(epoch, loss)
		}
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
	}

	correct := 0
	for _, s := range samples {
		next.logits(s.Features, probs)
		if c, _ := argmax(probs); c == s.Label {
			correct++
		}
	}
	return &FitResult{
		Model:    next,
		Loss:     loss,
		Accuracy: float64(correct) / float64(len(samples)),
	}, nil
}

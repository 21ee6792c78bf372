package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 所有指标注册在独立的 registry 中，避免与业务方的 DefaultRegisterer 冲突
var (
	_registry = prometheus.NewRegistry()
	_vecs     sync.Map // fqName -> *metricVec
	_regMu    sync.Mutex
)

type metricVec struct {
	policy    Policy
	labelKeys []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// Registry returns the registry every metric of this package is registered in.
func Registry() *prometheus.Registry {
	return _registry
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry, promhttp.HandlerOpts{})
}

// IncrCounterWithGroup adds v to the counter group_name.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group_name labelled with dims.
// A metric keeps the label keys of its first use; calls with other keys are dropped.
func IncrCounterWithDimGroup(group, name string, v Value, dims Dimension) {
	if v < 0 {
		return
	}
	mv := getVec(PolicySum, group, name, dims)
	if mv == nil || mv.counter == nil {
		return
	}
	if c, err := mv.counter.GetMetricWith(prometheus.Labels(dims)); err == nil {
		c.Add(float64(v))
	}
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

// UpdateGaugeWithDimGroup sets the gauge group_name labelled with dims to v.
func UpdateGaugeWithDimGroup(group, name string, v Value, dims Dimension) {
	mv := getVec(PolicySet, group, name, dims)
	if mv == nil || mv.gauge == nil {
		return
	}
	if g, err := mv.gauge.GetMetricWith(prometheus.Labels(dims)); err == nil {
		g.Set(float64(v))
	}
}

// RecordStopwatchWithGroup observes the seconds elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	mv := getVec(PolicyStopwatch, group, name, nil)
	if mv == nil || mv.histogram == nil {
		return
	}
	if h, err := mv.histogram.GetMetricWith(nil); err == nil {
		h.Observe(time.Since(start).Seconds())
	}
}

func getVec(policy Policy, group, name string, dims Dimension) *metricVec {
	fqName := FullName(group, name)
	if v, ok := _vecs.Load(fqName); ok {
		return v.(*metricVec).match(policy, dims)
	}

	_regMu.Lock()
	defer _regMu.Unlock()
	if v, ok := _vecs.Load(fqName); ok {
		return v.(*metricVec).match(policy, dims)
	}

	keys := dims.keys()
	mv := &metricVec{policy: policy, labelKeys: keys}
	var collector prometheus.Collector
	switch policy {
	case PolicySum:
		mv.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fqName, Help: fqName}, keys)
		collector = mv.counter
	case PolicySet:
		mv.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fqName, Help: fqName}, keys)
		collector = mv.gauge
	default:
		mv.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fqName,
			Help:    fqName,
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, keys)
		collector = mv.histogram
	}
	if err := _registry.Register(collector); err != nil {
		return nil
	}
	_vecs.Store(fqName, mv)
	return mv
}

// match returns mv when it was registered with the same policy and label keys.
func (mv *metricVec) match(policy Policy, dims Dimension) *metricVec {
	if mv.policy != policy || !sameKeys(mv.labelKeys, dims) {
		return nil
	}
	return mv
}

func sameKeys(keys []string, dims Dimension) bool {
	if len(keys) != len(dims) {
		return false
	}
	for _, k := range keys {
		if _, ok := dims[k]; !ok {
			return false
		}
	}
	return true
}

// FullName builds the prometheus metric name of group and name.
func FullName(group, name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	if group == "" {
		return r.Replace(name)
	}
	return r.Replace(group) + "_" + r.Replace(name)
}

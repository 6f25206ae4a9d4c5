package metrics

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// DCGM field identifiers follow NVIDIA's exporter naming so dashboards
// built against real DCGM scrape this endpoint unchanged.
const (
	dcgmGPUModel   = "H100 80GB HBM3"
	dcgmMemTotalMB = 81_559

	idleUtilPct   = 2.0
	utilPerStream = 12.0
	idleTempC     = 32.0
	maxTempC      = 86.0
	idlePowerW    = 62.0
	maxPowerW     = 700.0
	baseClockMHz  = 1_980
)

// GPUSimulator fabricates per-GPU telemetry derived from current load.
// loadFn reports the number of active requests; utilization, temperature
// and power scale with it plus a little noise.
type GPUSimulator struct {
	reg *prometheus.Registry

	util     *prometheus.GaugeVec
	temp     *prometheus.GaugeVec
	power    *prometheus.GaugeVec
	memUsed  *prometheus.GaugeVec
	memFree  *prometheus.GaugeVec
	smClock  *prometheus.GaugeVec

	mu     sync.Mutex
	rng    *rand.Rand
	gpus   int
	loadFn func() int

	handler fasthttp.RequestHandler
}

// NewGPUSimulator builds a simulator for n GPUs (default 1 when n <= 0).
func NewGPUSimulator(n int, loadFn func() int) *GPUSimulator {
	if n <= 0 {
		n = 1
	}
	labels := []string{"gpu", "UUID", "modelName"}
	reg := prometheus.NewRegistry()
	g := &GPUSimulator{
		reg:    reg,
		rng:    rand.New(rand.NewPCG(0xd0c6, 0xd0c6^0x9e3779b97f4a7c15)),
		gpus:   n,
		loadFn: loadFn,

		util: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_GPU_UTIL",
			Help: "GPU utilization (in %)",
		}, labels),
		temp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_GPU_TEMP",
			Help: "GPU temperature (in C)",
		}, labels),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_POWER_USAGE",
			Help: "Power draw (in W)",
		}, labels),
		memUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_FB_USED",
			Help: "Framebuffer memory used (in MiB)",
		}, labels),
		memFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_FB_FREE",
			Help: "Framebuffer memory free (in MiB)",
		}, labels),
		smClock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "DCGM_FI_DEV_SM_CLOCK",
			Help: "SM clock frequency (in MHz)",
		}, labels),
	}
	reg.MustRegister(g.util, g.temp, g.power, g.memUsed, g.memFree, g.smClock)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	inner := fasthttpadaptor.NewFastHTTPHandler(h)
	g.handler = func(ctx *fasthttp.RequestCtx) {
		g.Sample()
		inner(ctx)
	}
	return g
}

// Sample recomputes every gauge from the current load.
func (g *GPUSimulator) Sample() {
	g.mu.Lock()
	defer g.mu.Unlock()

	load := 0
	if g.loadFn != nil {
		load = g.loadFn()
	}
	// Active streams spread round-robin across GPUs.
	for i := 0; i < g.gpus; i++ {
		perGPU := load / g.gpus
		if i < load%g.gpus {
			perGPU++
		}
		util := idleUtilPct + float64(perGPU)*utilPerStream + g.rng.Float64()*3
		if util > 100 {
			util = 100
		}
		frac := util / 100

		uuid := fmt.Sprintf("GPU-faceed00-0000-0000-0000-%012d", i)
		lv := []string{fmt.Sprintf("%d", i), uuid, dcgmGPUModel}

		g.util.WithLabelValues(lv...).Set(util)
		g.temp.WithLabelValues(lv...).Set(idleTempC + frac*(maxTempC-idleTempC) + g.rng.Float64()*2)
		g.power.WithLabelValues(lv...).Set(idlePowerW + frac*(maxPowerW-idlePowerW) + g.rng.Float64()*10)
		used := float64(dcgmMemTotalMB) * (0.12 + 0.8*frac)
		g.memUsed.WithLabelValues(lv...).Set(used)
		g.memFree.WithLabelValues(lv...).Set(float64(dcgmMemTotalMB) - used)
		g.smClock.WithLabelValues(lv...).Set(baseClockMHz - g.rng.Float64()*60)
	}
}

// Handler serves the DCGM-format exposition, resampling on each scrape.
func (g *GPUSimulator) Handler() fasthttp.RequestHandler {
	return g.handler
}

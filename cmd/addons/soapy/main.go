// Command soapy is PhaseHound's IQ producer addon. The original drives a
// real SoapySDR device; no SDR hardware binding survives into this
// corpus, so this addon generates a deterministic synthetic tone at the
// configured sample rate/center frequency and pushes it into an IQ ring,
// keeping every control-plane verb the original exposes (list/select/set/
// fmt/start/stop/status/subscribe monitor/unsubscribe monitor).
package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/phasehound/phasehound/internal/config"
	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/plugin"
	"github.com/phasehound/phasehound/internal/shmring"
)

const addonName = "soapy"
const feedIQInfo = addonName + ".IQ-info"

// ringCapBytes matches soapy.c's 8 MiB ring sizing: at 2.4 Msps CF32
// (8 bytes per sample) it holds about 0.44 s of IQ.
const ringCapBytes = 8 << 20

var (
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      = zap.NewNop()
	sockPath string

	sampleRate  atomic.Uint64 // math.Float64bits
	centerFreq  atomic.Uint64
	bandwidth   atomic.Uint64
	active      atomic.Bool
	monitorFeed string
	monitorMu   sync.Mutex

	ring   *shmring.Stream
	ringMu sync.Mutex
)

func init() {
	env := config.LoadAddonEnv("SOAPY")
	sampleRate.Store(math.Float64bits(env.Float64("SAMPLE_RATE", 2.4e6)))
	centerFreq.Store(math.Float64bits(env.Float64("CENTER_FREQ", 100e6)))
}

func getSR() float64 { return math.Float64frombits(sampleRate.Load()) }
func getCF() float64 { return math.Float64frombits(centerFreq.Load()) }
func getBW() float64 { return math.Float64frombits(bandwidth.Load()) }

// PluginName reports this addon's name.
func PluginName() string { return addonName }

// PluginInit validates ABI and reports this addon's capabilities.
func PluginInit(ctx plugin.Ctx) (plugin.Caps, bool) {
	if err := plugin.CheckABI(ctx); err != nil {
		return plugin.Caps{}, false
	}
	if l, err := zap.NewDevelopment(); err == nil {
		log = l
	}
	sockPath = ctx.SockPath
	return plugin.Caps{
		Name:     addonName,
		Version:  "0.4.0",
		Consumes: []string{addonName + ".config.in"},
		Produces: []string{addonName + ".config.out", feedIQInfo},
		FeatBits: plugin.FeatIQ,
	}, true
}

// PluginStart launches the control-plane goroutine and the synthetic RX
// goroutine, the Go analogue of soapy.c spawning g_thr and g_rxthr.
func PluginStart() bool {
	mu.Lock()
	defer mu.Unlock()
	if cancel != nil {
		return true
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	cancel = cancelFn

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := control.RunWithReconnect(ctx, sockPath, addonName, log, runCtrl); err != nil {
			log.Warn("soapy control loop stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		rxLoop(ctx)
	}()
	return true
}

// PluginStop signals both goroutines to exit, waits for them, and tears
// down the ring, mirroring plugin_stop's join + soapy_stop + iq_ring_close
// sequence.
func PluginStop() {
	mu.Lock()
	c := cancel
	cancel = nil
	mu.Unlock()
	if c != nil {
		c()
	}
	wg.Wait()

	ringMu.Lock()
	if ring != nil {
		ring.Close()
		ring = nil
	}
	ringMu.Unlock()
}

func runCtrl(ctx context.Context, c *control.Ctx) error {
	if err := c.CreateFeed(feedIQInfo); err != nil {
		return err
	}
	return c.RecvDispatchLoop(ctx, 1<<16, 100*time.Millisecond, onCmd, nil, nil)
}

// rxLoop generates a synthetic complex tone at getCF()-offset and pushes
// it into the ring whenever active is true, replacing soapy.c's
// SoapySDRDevice_readStream loop with a deterministic signal generator.
func rxLoop(ctx context.Context) {
	var phase float64
	buf := make([]byte, 0, 1<<14)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !active.Load() {
			continue
		}
		ringMu.Lock()
		r := ring
		ringMu.Unlock()
		if r == nil {
			continue
		}

		sr := getSR()
		const toneHz = 1000.0
		step := 2 * math.Pi * toneHz / sr
		nSamples := int(sr * 0.01) // ~10ms worth
		buf = buf[:0]
		for i := 0; i < nSamples; i++ {
			re := float32(math.Cos(phase))
			im := float32(math.Sin(phase))
			buf = appendFloat32(buf, re)
			buf = appendFloat32(buf, im)
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		if _, _, err := r.Push(buf); err != nil {
			log.Warn("iq ring push failed", zap.Error(err))
		}
	}
}

func appendFloat32(buf []byte, f float32) []byte {
	bits := math.Float32bits(f)
	return append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
}

func onCmd(c *control.Ctx, line string, _ any) {
	line = strings.TrimSpace(line)

	if parsed, ok, err := control.ParseSubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if parsed.Usage != "monitor" {
			_ = c.ReplyErr("unknown")
			return
		}
		monitorMu.Lock()
		if monitorFeed != "" {
			_ = c.Unsubscribe(monitorFeed)
		}
		monitorFeed = parsed.Feed
		monitorMu.Unlock()
		_ = c.Subscribe(parsed.Feed)
		_ = c.ReplyOk(fmt.Sprintf("subscribed monitor %s", parsed.Feed))
		return
	}
	if parsed, ok, err := control.ParseUnsubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if parsed.Usage != "monitor" {
			_ = c.ReplyErr("unknown")
			return
		}
		monitorMu.Lock()
		if monitorFeed != "" {
			_ = c.Unsubscribe(monitorFeed)
			monitorFeed = ""
		}
		monitorMu.Unlock()
		_ = c.ReplyOk("unsubscribed monitor")
		return
	}

	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "help":
		_ = c.ReplyOk("help|list|select <idx>|set sr=<Hz> cf=<Hz> [bw=<Hz>]|fmt <cf32>|start|stop|open|status|subscribe monitor <feed>|unsubscribe monitor")

	case "list":
		_ = c.ReplyOk("found=1\n[0] driver=synthetic label=PhaseHound synthetic tone generator")

	case "select":
		if len(fields) != 2 {
			_ = c.ReplyErr("invalid index")
			return
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			_ = c.ReplyErr("invalid index")
			return
		}
		_ = c.ReplyOk("selected")

	case "set":
		applySet(fields[1:])
		_ = c.Replyf(true, "set sr=%.0f cf=%.0f bw=%.0f", getSR(), getCF(), getBW())

	case "fmt":
		if len(fields) != 2 || strings.ToLower(fields[1]) != "cf32" {
			_ = c.ReplyErr("fmt arg")
			return
		}
		_ = c.ReplyOk("fmt=CF32")

	case "start":
		if err := startRing(); err != nil {
			_ = c.Replyf(false, "start failed: %v", err)
			return
		}
		publishIQInfo(c)
		_ = c.ReplyOk("started")

	case "stop":
		active.Store(false)
		_ = c.ReplyOk("stopped")

	case "open":
		publishIQInfo(c)
		_ = c.ReplyOk("republished")

	case "status":
		_ = c.Publish(addonName+".config.out", struct {
			OK     bool    `json:"ok"`
			SR     float64 `json:"sr"`
			CF     float64 `json:"cf"`
			BW     float64 `json:"bw"`
			Active bool    `json:"active"`
		}{true, getSR(), getCF(), getBW(), active.Load()})

	default:
		_ = c.ReplyErr("unknown")
	}
}

func applySet(args []string) {
	for _, a := range args {
		kv := strings.SplitN(a, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "sr":
			sampleRate.Store(math.Float64bits(v))
		case "cf":
			centerFreq.Store(math.Float64bits(v))
		case "bw":
			bandwidth.Store(math.Float64bits(v))
		}
	}
}

func startRing() error {
	ringMu.Lock()
	defer ringMu.Unlock()
	if ring != nil {
		active.Store(true)
		return nil
	}
	r, err := shmring.CreateStream(shmring.KindIQ, "ph-iq", getSR(), 1, shmring.FmtCF32, ringCapBytes, shmring.OverflowAdvance)
	if err != nil {
		return err
	}
	ring = r
	active.Store(true)
	return nil
}

func publishIQInfo(c *control.Ctx) {
	ringMu.Lock()
	r := ring
	ringMu.Unlock()
	if r == nil {
		return
	}
	desc := fmt.Sprintf("Soapy IQ ring (cf=%.3f MHz,sr=%.3f Msps)", getCF()/1e6, getSR()/1e6)
	meta := control.RingMeta{
		Kind:       "iq",
		Encoding:   "cf32",
		SampleRate: getSR(),
		Channels:   1,
		CenterFreq: getCF(),
	}
	_ = c.PublishRingMap(feedIQInfo, r.FD(), "phasehound.iq-ring.v0", "0.1", uint32(r.Capacity()), desc, "r", meta)
}

func main() {} // unused: built with -buildmode=plugin, never executed directly
